package sip

import (
	"context"
	"net/netip"
)

// Channel is a transport-specific endpoint: it owns sockets for one
// protocol, delivers received payloads up to the transport layer and
// writes serialized messages to the wire.
// Implementations live in the sip/transport package.
type Channel interface {
	// ID uniquely identifies the channel inside its transport layer.
	ID() string
	// Proto returns the channel's transport protocol.
	Proto() TransportProto
	// LocalAddr returns the bound local address, possibly wildcard.
	LocalAddr() netip.AddrPort
	// ListeningAddrs enumerates concrete listening addresses: for a
	// wildcard bind, every machine address with the bound port.
	ListeningAddrs() []netip.AddrPort
	// SupportsProto reports whether the channel can carry the protocol.
	SupportsProto(p TransportProto) bool
	// SupportsFamily reports whether the channel can reach the address
	// family; v4 is true for IPv4.
	SupportsFamily(v4 bool) bool
	// Send writes raw bytes to dst. Connection-oriented channels reuse the
	// session identified by connID when it is alive, dial a new one only
	// when canInitiate is true, and return the session's connection ID.
	Send(ctx context.Context, dst Endpoint, raw []byte, canInitiate bool, connID string) (string, error)
	// Close shuts the channel down and releases its sockets.
	Close(ctx context.Context) error
}

// ConnectionChannel is implemented by connection-oriented channels.
// EnsureConn establishes (or finds) the session for dst before the message
// is serialized, so self-referential headers can carry the session's true
// local address.
type ConnectionChannel interface {
	Channel
	EnsureConn(ctx context.Context, dst Endpoint, canInitiate bool, connID string) (newConnID string, local netip.AddrPort, err error)
}

// ChannelReceiver accepts payloads a channel read off the wire.
// The transport layer passes its receive entry point to channels.
type ChannelReceiver func(local, remote Endpoint, data []byte)

// ChannelFactory creates channels on demand when the transport layer is
// allowed to fill protocol/family gaps for outbound traffic.
type ChannelFactory interface {
	CreateChannel(ctx context.Context, proto TransportProto, v4 bool, recv ChannelReceiver) (Channel, error)
}

// ChannelFactoryFunc adapts a func to the [ChannelFactory] interface.
type ChannelFactoryFunc func(ctx context.Context, proto TransportProto, v4 bool, recv ChannelReceiver) (Channel, error)

func (f ChannelFactoryFunc) CreateChannel(ctx context.Context, proto TransportProto, v4 bool, recv ChannelReceiver) (Channel, error) {
	return f(ctx, proto, v4, recv)
}

// HostResolver is the name resolution capability the transport consumes.
// The dns package provides the production implementation.
type HostResolver interface {
	// ResolveFromCache probes the cache without blocking.
	// found=false means no entry: go async. negative=true reports a fresh
	// negative entry: do not retry soon.
	ResolveFromCache(host string, preferV6 bool) (addr netip.Addr, found, negative bool)
	// ResolveAsync performs a blocking lookup and populates the cache.
	ResolveAsync(ctx context.Context, host string, preferV6 bool) (netip.Addr, error)
}
