package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/sip"
)

// TLS is the stream-framed SIP channel over TLS.
// The configured certificate serves inbound connections; outbound
// connections run standard certificate validation.
type TLS struct {
	streamChannel
}

// ListenTLS binds a TLS channel with the server configuration from
// [Options.TLSConfig] and starts accepting connections.
func ListenTLS(ctx context.Context, laddr netip.AddrPort, opts *Options) (*TLS, error) {
	if opts == nil || opts.TLSConfig == nil {
		return nil, errtrace.Wrap(errMissingTLSConfig)
	}
	var lc net.ListenConfig
	inner, err := lc.Listen(ctx, "tcp", laddr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tp := new(TLS)
	tp.dial = tp.dialTLS
	tp.init(sip.TransportTLS, tls.NewListener(inner, opts.TLSConfig), opts)
	return tp, nil
}

// NewTLSClient creates an unbound TLS channel that only dials out.
func NewTLSClient(opts *Options) *TLS {
	tp := new(TLS)
	tp.dial = tp.dialTLS
	tp.init(sip.TransportTLS, nil, opts)
	return tp
}

func (tp *TLS) dialTLS(ctx context.Context, dst netip.AddrPort) (net.Conn, error) {
	d := tls.Dialer{Config: tp.opts.TLSConfig}
	return errtrace.Wrap2(d.DialContext(ctx, "tcp", dst.String()))
}

var errMissingTLSConfig = errtrace.New("TLS channel requires a TLS config")
