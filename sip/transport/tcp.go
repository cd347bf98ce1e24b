package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/sip"
)

// streamChannel is the shared machinery of the connection-oriented
// channels: a connection pool keyed by remote endpoint, per-connection
// framing and on-demand dialing.
type streamChannel struct {
	id    string
	proto sip.TransportProto
	opts  Options
	ls    net.Listener
	laddr netip.AddrPort
	dial  func(ctx context.Context, dst netip.AddrPort) (net.Conn, error)
	log   *slog.Logger

	mu          sync.Mutex
	connsByAddr map[netip.AddrPort]*streamConn
	connsByID   map[string]*streamConn
	closed      bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type streamConn struct {
	id    string
	conn  net.Conn
	raddr netip.AddrPort

	writeMu sync.Mutex
}

var connSeq atomic.Uint64

func (tp *streamChannel) init(proto sip.TransportProto, ls net.Listener, opts *Options) {
	tp.proto = proto
	tp.ls = ls
	if opts != nil {
		tp.opts = *opts
	}
	if ls != nil {
		tp.laddr = addrPortFromNet(ls.Addr())
	}
	tp.id = nextChannelID(proto, tp.laddr)
	tp.log = tp.opts.log().With(slog.Any("channel", tp))
	tp.connsByAddr = make(map[netip.AddrPort]*streamConn)
	tp.connsByID = make(map[string]*streamConn)

	if ls != nil {
		tp.wg.Add(1)
		go tp.acceptLoop()
	}
}

func (tp *streamChannel) ID() string { return tp.id }

func (tp *streamChannel) Proto() sip.TransportProto { return tp.proto }

func (tp *streamChannel) LocalAddr() netip.AddrPort { return tp.laddr }

func (tp *streamChannel) ListeningAddrs() []netip.AddrPort {
	if tp.ls == nil {
		return nil
	}
	return machineListeningAddrs(tp.laddr)
}

func (tp *streamChannel) SupportsProto(p sip.TransportProto) bool { return p.Equal(tp.proto) }

func (tp *streamChannel) SupportsFamily(v4 bool) bool {
	if !tp.laddr.IsValid() {
		return true
	}
	if tp.laddr.Addr().Is4() {
		return v4
	}
	return !v4 || tp.laddr.Addr().IsUnspecified()
}

func (tp *streamChannel) acceptLoop() {
	defer tp.wg.Done()
	for {
		conn, err := tp.ls.Accept()
		if err != nil {
			return
		}
		disableLinger(conn)
		tp.track(conn)
	}
}

// track registers a connection and starts its read loop.
func (tp *streamChannel) track(conn net.Conn) *streamConn {
	sc := &streamConn{
		id:    fmt.Sprintf("conn#%d", connSeq.Add(1)),
		conn:  conn,
		raddr: addrPortFromNet(conn.RemoteAddr()),
	}

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		conn.Close()
		return nil
	}
	tp.connsByAddr[sc.raddr] = sc
	tp.connsByID[sc.id] = sc
	tp.mu.Unlock()

	tp.wg.Add(1)
	go tp.readLoop(sc)
	return sc
}

func (tp *streamChannel) evict(sc *streamConn) {
	tp.mu.Lock()
	if tp.connsByAddr[sc.raddr] == sc {
		delete(tp.connsByAddr, sc.raddr)
	}
	delete(tp.connsByID, sc.id)
	tp.mu.Unlock()
	sc.conn.Close()
}

// readLoop frames messages off the stream: a tolerant scanner accumulates
// bytes across arbitrary fragmentation boundaries and retains partial
// buffers until the next read.
func (tp *streamChannel) readLoop(sc *streamConn) {
	defer tp.wg.Done()
	defer tp.evict(sc)

	recv := tp.opts.receiver()
	framer := sip.NewStreamParser(nil, tp.opts.maxMsgSize())
	buf := make([]byte, 8192)

	local := sip.EndpointFromAddrPort(tp.proto, addrPortFromNet(sc.conn.LocalAddr()))
	local.ChannelID = tp.id
	remote := sip.EndpointFromAddrPort(tp.proto, sc.raddr)
	remote.ConnID = sc.id

	for {
		n, err := sc.conn.Read(buf)
		if n > 0 {
			frames, ferr := framer.FeedRaw(buf[:n])
			for _, frame := range frames {
				recv(local, remote, frame)
			}
			if ferr != nil {
				tp.log.Debug("stream framing failed, closing connection",
					slog.Any("error", ferr),
					slog.String("conn_id", sc.id),
				)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// EnsureConn establishes or finds the session for dst and reports its
// connection ID and local address, so outbound headers can reference the
// connection's true source.
func (tp *streamChannel) EnsureConn(ctx context.Context, dst sip.Endpoint, canInitiate bool, connID string) (string, netip.AddrPort, error) {
	sc, err := tp.connFor(ctx, dst, canInitiate, connID)
	if err != nil {
		return "", netip.AddrPort{}, errtrace.Wrap(err)
	}
	return sc.id, addrPortFromNet(sc.conn.LocalAddr()), nil
}

// Send reuses the session named by connID, falls back to the pool entry
// for dst, and dials a new connection only when canInitiate allows it.
func (tp *streamChannel) Send(ctx context.Context, dst sip.Endpoint, raw []byte, canInitiate bool, connID string) (string, error) {
	sc, err := tp.connFor(ctx, dst, canInitiate, connID)
	if err != nil {
		return "", errtrace.Wrap(err)
	}

	sc.writeMu.Lock()
	_, werr := sc.conn.Write(raw)
	sc.writeMu.Unlock()
	if werr != nil {
		tp.evict(sc)
		return "", errtrace.Wrap(werr)
	}
	return sc.id, nil
}

func (tp *streamChannel) connFor(ctx context.Context, dst sip.Endpoint, canInitiate bool, connID string) (*streamConn, error) {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil, errtrace.Wrap(sip.ErrTransportClosed)
	}
	if connID != "" {
		if sc, ok := tp.connsByID[connID]; ok {
			tp.mu.Unlock()
			return sc, nil
		}
	}
	if sc, ok := tp.connsByAddr[dst.AddrPort()]; ok {
		tp.mu.Unlock()
		return sc, nil
	}
	tp.mu.Unlock()

	if !canInitiate {
		return nil, errtrace.Wrap(sip.ErrSocketNotConnected)
	}

	dialCtx, cancel := context.WithTimeout(ctx, tp.opts.connectTimeout())
	defer cancel()
	conn, err := tp.dial(dialCtx, dst.AddrPort())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	disableLinger(conn)
	sc := tp.track(conn)
	if sc == nil {
		return nil, errtrace.Wrap(sip.ErrTransportClosed)
	}
	return sc, nil
}

func (tp *streamChannel) Close(context.Context) error {
	tp.closeOnce.Do(func() {
		tp.mu.Lock()
		tp.closed = true
		conns := make([]*streamConn, 0, len(tp.connsByID))
		for _, sc := range tp.connsByID {
			conns = append(conns, sc)
		}
		tp.mu.Unlock()

		if tp.ls != nil {
			tp.closeErr = tp.ls.Close()
		}
		for _, sc := range conns {
			sc.conn.Close()
		}
		tp.wg.Wait()
	})
	return errtrace.Wrap(tp.closeErr)
}

func (tp *streamChannel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", fmt.Sprintf("%T", tp)),
		slog.String("id", tp.id),
		slog.Any("proto", tp.proto),
		slog.String("local_addr", tp.laddr.String()),
	)
}

// disableLinger turns off SO_LINGER so closed sockets do not hold the port
// in TIME_WAIT. Linux and WSL may still park the socket in TIME_WAIT for
// another process; that is an OS limitation this package does not work
// around.
func disableLinger(conn net.Conn) {
	type lingerer interface{ SetLinger(int) error }
	if tc, ok := conn.(lingerer); ok {
		_ = tc.SetLinger(0)
	}
	type netConner interface{ NetConn() net.Conn }
	if nc, ok := conn.(netConner); ok {
		if tc, ok := nc.NetConn().(lingerer); ok {
			_ = tc.SetLinger(0)
		}
	}
}

// TCP is the stream-framed SIP channel over plain TCP.
type TCP struct {
	streamChannel
}

// ListenTCP binds a TCP channel and starts accepting connections.
func ListenTCP(ctx context.Context, laddr netip.AddrPort, opts *Options) (*TCP, error) {
	var lc net.ListenConfig
	ls, err := lc.Listen(ctx, "tcp", laddr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp := new(TCP)
	tp.dial = tp.dialTCP
	tp.init(sip.TransportTCP, ls, opts)
	return tp, nil
}

// NewTCPClient creates an unbound TCP channel that only dials out.
func NewTCPClient(opts *Options) *TCP {
	tp := new(TCP)
	tp.dial = tp.dialTCP
	tp.init(sip.TransportTCP, nil, opts)
	return tp
}

func (tp *TCP) dialTCP(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	var d net.Dialer
	return errtrace.Wrap2(d.DialContext(ctx, "tcp", dst.String()))
}
