// Package sip implements the core of a SIP signaling stack as described in
// RFC 3261: the message codec, the transport layer and the transaction engine.
package sip

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ghettovoice/sipcore/sip/common"
	"github.com/ghettovoice/sipcore/sip/header"
)

// SIP timer base values, RFC 3261 Section 17.
var (
	// T1 is an estimate of the round-trip time.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests
	// and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message remains in the network.
	T4 = 5 * time.Second
)

const (
	// MaxRetransmits bounds the retransmission attempts of a single message.
	MaxRetransmits = 11

	// DefaultMaxMessageSize is the default maximum receive length.
	// Larger inbound traffic is answered with 413.
	DefaultMaxMessageSize = 16 * 1024

	// AbsoluteMaxMessageSize is the hard ceiling for a single SIP message.
	AbsoluteMaxMessageSize = 64 * 1024
)

// Proto20 is the SIP/2.0 protocol version.
var Proto20 = ProtoInfo{Name: "SIP", Version: "2.0"}

// RFC3261BranchMagicCookie marks an RFC 3261 compliant Via branch.
const RFC3261BranchMagicCookie = header.RFC3261BranchMagicCookie

type (
	Addr           = common.Addr
	Values         = common.Values
	ProtoInfo      = common.ProtoInfo
	TransportProto = common.TransportProto
	RequestMethod  = common.RequestMethod
)

const (
	TransportUDP = common.TransportUDP
	TransportTCP = common.TransportTCP
	TransportTLS = common.TransportTLS
	TransportWS  = common.TransportWS
	TransportWSS = common.TransportWSS
)

const (
	RequestMethodInvite    = common.RequestMethodInvite
	RequestMethodAck       = common.RequestMethodAck
	RequestMethodBye       = common.RequestMethodBye
	RequestMethodCancel    = common.RequestMethodCancel
	RequestMethodOptions   = common.RequestMethodOptions
	RequestMethodRegister  = common.RequestMethodRegister
	RequestMethodSubscribe = common.RequestMethodSubscribe
	RequestMethodNotify    = common.RequestMethodNotify
	RequestMethodInfo      = common.RequestMethodInfo
	RequestMethodRefer     = common.RequestMethodRefer
	RequestMethodPrack     = common.RequestMethodPrack
	RequestMethodMessage   = common.RequestMethodMessage
	RequestMethodUpdate    = common.RequestMethodUpdate
	RequestMethodPublish   = common.RequestMethodPublish
)

// Host is a shortcut for [common.Host].
func Host(host string) Addr { return common.Host(host) }

// HostPort is a shortcut for [common.HostPort].
func HostPort(host string, port uint16) Addr { return common.HostPort(host, port) }

// GenerateBranch returns a new unique branch parameter beginning with
// the RFC 3261 magic cookie.
func GenerateBranch() string {
	return RFC3261BranchMagicCookie + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateTag returns a new unique From/To tag.
func GenerateTag() string {
	s := uuid.NewString()
	return strings.ReplaceAll(s, "-", "")[:16]
}

// GenerateCallID returns a new unique Call-ID value.
func GenerateCallID() header.CallID {
	return header.CallID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
