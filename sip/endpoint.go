package sip

import (
	"fmt"
	"log/slog"
	"net/netip"
)

// Endpoint identifies one side of a SIP exchange: a transport protocol,
// an IP address and port, and optionally the local channel and the
// connection-oriented session that carried the message.
type Endpoint struct {
	Proto TransportProto
	IP    netip.Addr
	Port  uint16
	// ChannelID identifies a specific local channel, empty when unknown.
	ChannelID string
	// ConnID identifies a connection-oriented session on that channel,
	// empty for connectionless transports.
	ConnID string
}

// EndpointFromAddrPort builds an [Endpoint] from a protocol and address.
func EndpointFromAddrPort(proto TransportProto, addr netip.AddrPort) Endpoint {
	return Endpoint{Proto: proto, IP: addr.Addr(), Port: addr.Port()}
}

// AddrPort returns the endpoint's address and port.
func (ep Endpoint) AddrPort() netip.AddrPort { return netip.AddrPortFrom(ep.IP, ep.Port) }

// Is4 reports whether the endpoint address belongs to the IPv4 family.
func (ep Endpoint) Is4() bool { return ep.IP.Is4() || ep.IP.Is4In6() }

// IsZero reports whether the endpoint is empty.
func (ep Endpoint) IsZero() bool { return ep.Proto == "" && !ep.IP.IsValid() && ep.Port == 0 }

// IsBlackhole reports whether the endpoint address is the blackhole:
// the unspecified IPv4 or IPv6 address. Sends to the blackhole succeed
// silently without wire activity.
func (ep Endpoint) IsBlackhole() bool { return ep.IP.IsValid() && ep.IP.IsUnspecified() }

func (ep Endpoint) String() string {
	if ep.Proto == "" {
		return ep.AddrPort().String()
	}
	return fmt.Sprintf("%s/%s", ep.Proto, ep.AddrPort())
}

func (ep Endpoint) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("proto", ep.Proto),
		slog.String("addr", ep.AddrPort().String()),
	)
}
