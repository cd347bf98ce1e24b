package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/sip"
)

const udpReadBufferSize = sip.AbsoluteMaxMessageSize

// UDP is the connectionless SIP channel: one socket, one datagram per
// message, no connection IDs.
type UDP struct {
	id    string
	opts  Options
	conn  *net.UDPConn
	laddr netip.AddrPort
	log   *slog.Logger

	closeOnce sync.Once
	closeErr  error
	readWg    sync.WaitGroup
}

// ListenUDP binds a UDP channel and starts its receive loop.
func ListenUDP(ctx context.Context, laddr netip.AddrPort, opts *Options) (*UDP, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", laddr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, errtrace.Wrap(fmt.Errorf("unexpected packet conn type %T", pc))
	}

	tp := &UDP{conn: conn}
	if opts != nil {
		tp.opts = *opts
	}
	tp.laddr = addrPortFromNet(conn.LocalAddr())
	tp.id = nextChannelID(sip.TransportUDP, tp.laddr)
	tp.log = tp.opts.log().With(slog.Any("channel", tp))

	tp.readWg.Add(1)
	go tp.readLoop()
	return tp, nil
}

func (tp *UDP) ID() string { return tp.id }

func (tp *UDP) Proto() sip.TransportProto { return sip.TransportUDP }

func (tp *UDP) LocalAddr() netip.AddrPort { return tp.laddr }

func (tp *UDP) ListeningAddrs() []netip.AddrPort { return machineListeningAddrs(tp.laddr) }

func (tp *UDP) SupportsProto(p sip.TransportProto) bool { return p.Equal(sip.TransportUDP) }

func (tp *UDP) SupportsFamily(v4 bool) bool {
	if tp.laddr.Addr().Is4() {
		return v4
	}
	// An IPv6 wildcard socket reaches both families on dual-stack hosts.
	return !v4 || tp.laddr.Addr().IsUnspecified()
}

// Send writes one datagram to dst. The connection ID hint is ignored.
func (tp *UDP) Send(_ context.Context, dst sip.Endpoint, raw []byte, _ bool, _ string) (string, error) {
	if len(raw) > sip.AbsoluteMaxMessageSize {
		return "", errtrace.Wrap(sip.ErrMessageTooLarge)
	}
	_, err := tp.conn.WriteToUDP(raw, &net.UDPAddr{IP: dst.IP.AsSlice(), Port: int(dst.Port)})
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	return "", nil
}

func (tp *UDP) readLoop() {
	defer tp.readWg.Done()
	buf := make([]byte, udpReadBufferSize)
	recv := tp.opts.receiver()
	for {
		n, raddr, err := tp.conn.ReadFromUDP(buf)
		if err != nil {
			// A read timeout is retried; any other error, a closed socket
			// included, ends the loop.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		local := sip.EndpointFromAddrPort(sip.TransportUDP, tp.laddr)
		local.ChannelID = tp.id
		remote := sip.EndpointFromAddrPort(sip.TransportUDP, raddr.AddrPort())
		recv(local, remote, data)
	}
}

func (tp *UDP) Close(context.Context) error {
	tp.closeOnce.Do(func() {
		tp.closeErr = tp.conn.Close()
		tp.readWg.Wait()
	})
	return errtrace.Wrap(tp.closeErr)
}

func (tp *UDP) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", fmt.Sprintf("%T", tp)),
		slog.String("id", tp.id),
		slog.String("local_addr", tp.laddr.String()),
	)
}
