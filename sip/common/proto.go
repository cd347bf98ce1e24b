package common

import (
	"strings"

	"github.com/ghettovoice/sipcore/internal/stringutils"
)

// ProtoInfo is a protocol name/version pair from a start line or Via header,
// e.g. "SIP/2.0".
type ProtoInfo struct {
	Name    string
	Version string
}

func (p ProtoInfo) String() string { return p.Name + "/" + p.Version }

func (p ProtoInfo) IsZero() bool { return p.Name == "" && p.Version == "" }

func (p ProtoInfo) IsValid() bool { return p.Name != "" && p.Version != "" }

func (p ProtoInfo) Equal(other ProtoInfo) bool {
	return strings.EqualFold(p.Name, other.Name) && p.Version == other.Version
}

// TransportProto is a SIP transport protocol name: UDP, TCP, TLS, WS, WSS.
type TransportProto string

const (
	TransportUDP TransportProto = "UDP"
	TransportTCP TransportProto = "TCP"
	TransportTLS TransportProto = "TLS"
	TransportWS  TransportProto = "WS"
	TransportWSS TransportProto = "WSS"
)

func (p TransportProto) String() string { return string(p) }

func (p TransportProto) IsValid() bool {
	switch stringutils.UCase(p) {
	case TransportUDP, TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return true
	}
	return false
}

func (p TransportProto) Equal(other TransportProto) bool {
	return strings.EqualFold(string(p), string(other))
}

// IsReliable reports whether the transport is connection-oriented and
// delivers messages reliably, which suppresses wire retransmits.
func (p TransportProto) IsReliable() bool {
	switch stringutils.UCase(p) {
	case TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return true
	}
	return false
}

// IsStreamed reports whether the transport carries a byte stream without
// message boundaries, requiring Content-Length based framing.
func (p TransportProto) IsStreamed() bool {
	switch stringutils.UCase(p) {
	case TransportTCP, TransportTLS:
		return true
	}
	return false
}

// IsSecured reports whether the transport is encrypted.
func (p TransportProto) IsSecured() bool {
	switch stringutils.UCase(p) {
	case TransportTLS, TransportWSS:
		return true
	}
	return false
}
