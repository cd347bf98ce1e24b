package transport

import (
	"context"
	"net/netip"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/sip"
)

// Factory creates client channels on demand for the transport layer's
// missing protocol/family combinations. It implements [sip.ChannelFactory].
type Factory struct {
	// Options are cloned into every created channel.
	Options Options
}

func (f *Factory) CreateChannel(ctx context.Context, proto sip.TransportProto, v4 bool, recv sip.ChannelReceiver) (sip.Channel, error) {
	opts := f.Options
	opts.Receiver = recv

	switch {
	case proto.Equal(sip.TransportUDP):
		laddr := netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
		if v4 {
			laddr = netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
		}
		return errtrace.Wrap2(wrapChannel(ListenUDP(ctx, laddr, &opts)))
	case proto.Equal(sip.TransportTCP):
		return NewTCPClient(&opts), nil
	case proto.Equal(sip.TransportTLS):
		return NewTLSClient(&opts), nil
	case proto.Equal(sip.TransportWS):
		return NewWSClient(false, &opts), nil
	case proto.Equal(sip.TransportWSS):
		return NewWSClient(true, &opts), nil
	}
	return nil, errtrace.Wrap(sip.ErrNoChannel)
}

func wrapChannel[T sip.Channel](ch T, err error) (sip.Channel, error) {
	if err != nil {
		return nil, err
	}
	return ch, nil
}
