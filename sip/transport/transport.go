// Package transport implements the SIP channels: UDP, TCP, TLS, WS and WSS
// endpoints feeding raw messages into the transport layer.
package transport

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
)

// DefaultConnectTimeout bounds outbound connection establishment,
// independently of the transaction retransmit schedule.
const DefaultConnectTimeout = 5 * time.Second

// Options configure a channel.
type Options struct {
	// Receiver accepts payloads read off the wire. Required for
	// listening channels.
	Receiver sip.ChannelReceiver
	// ConnectTimeout bounds outbound dialing. 0 means [DefaultConnectTimeout].
	ConnectTimeout time.Duration
	// MaxMessageSize bounds a single framed message on stream transports.
	// 0 means [sip.DefaultMaxMessageSize].
	MaxMessageSize int
	// TLSConfig supplies the server certificate when listening and the
	// client configuration when dialing TLS or WSS.
	TLSConfig *tls.Config
	// WSPath is the WebSocket endpoint path served and dialed.
	// Empty means "/".
	WSPath string
	// Logger is the logger. If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *Options) receiver() sip.ChannelReceiver {
	if o == nil || o.Receiver == nil {
		return func(sip.Endpoint, sip.Endpoint, []byte) {}
	}
	return o.Receiver
}

func (o *Options) connectTimeout() time.Duration {
	if o == nil || o.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return o.ConnectTimeout
}

func (o *Options) maxMsgSize() int {
	if o == nil || o.MaxMessageSize <= 0 {
		return sip.DefaultMaxMessageSize
	}
	return o.MaxMessageSize
}

func (o *Options) wsPath() string {
	if o == nil || o.WSPath == "" {
		return "/"
	}
	return o.WSPath
}

func (o *Options) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

var chanSeq atomic.Uint64

// nextChannelID produces a process-unique channel identifier.
func nextChannelID(proto sip.TransportProto, laddr netip.AddrPort) string {
	return fmt.Sprintf("%s/%s#%d", proto, laddr, chanSeq.Add(1))
}

// machineListeningAddrs expands a wildcard bind to the machine's addresses
// of the same family, keeping the bound port.
func machineListeningAddrs(laddr netip.AddrPort) []netip.AddrPort {
	if !laddr.Addr().IsUnspecified() {
		return []netip.AddrPort{laddr}
	}
	ifAddrs := sip.MachineAddrs()
	out := make([]netip.AddrPort, 0, len(ifAddrs))
	v4 := laddr.Addr().Is4()
	for _, addr := range ifAddrs {
		if addr.Is4() == v4 {
			out = append(out, netip.AddrPortFrom(addr, laddr.Port()))
		}
	}
	if len(out) == 0 {
		return []netip.AddrPort{laddr}
	}
	return out
}

func addrPortFromNet(addr any) netip.AddrPort {
	type addrPorter interface{ AddrPort() netip.AddrPort }
	if ap, ok := addr.(addrPorter); ok {
		return ap.AddrPort()
	}
	return netip.AddrPort{}
}
