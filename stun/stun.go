// Package stun implements the STUN message codec used alongside SIP on the
// same sockets: RFC 5389 framing with the ICE (RFC 8445) and TURN (RFC 5766,
// RFC 6156) attributes. The codec does no socket I/O; the SIP transport
// demultiplexes inbound datagrams and hands STUN traffic to a hook.
package stun

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
	"net/netip"

	"braces.dev/errtrace"
)

// MagicCookie is the fixed value at offset 4 of every RFC 5389 message.
const MagicCookie uint32 = 0x2112A442

// HeaderSize is the size of the STUN message header.
const HeaderSize = 20

// TransactionIDSize is the size of the transaction ID.
const TransactionIDSize = 12

// fingerprintXor is XORed into the CRC32 per RFC 5389 Section 15.5.
const fingerprintXor uint32 = 0x5354554E

// MessageType combines the STUN method and class.
type MessageType uint16

const (
	TypeBindingRequest  MessageType = 0x0001
	TypeBindingSuccess  MessageType = 0x0101
	TypeBindingError    MessageType = 0x0111
	TypeBindingIndicate MessageType = 0x0011

	// TURN methods, RFC 5766.
	TypeAllocateRequest    MessageType = 0x0003
	TypeAllocateSuccess    MessageType = 0x0103
	TypeAllocateError      MessageType = 0x0113
	TypeRefreshRequest     MessageType = 0x0004
	TypeSendIndication     MessageType = 0x0016
	TypeDataIndication     MessageType = 0x0017
	TypeCreatePermRequest  MessageType = 0x0008
	TypeChannelBindRequest MessageType = 0x0009
	TypeChannelBindSuccess MessageType = 0x0109
	TypeChannelBindError   MessageType = 0x0119
)

// AttrType identifies a STUN attribute.
type AttrType uint16

const (
	AttrMappedAddress          AttrType = 0x0001
	AttrUsername               AttrType = 0x0006
	AttrMessageIntegrity       AttrType = 0x0008
	AttrErrorCode              AttrType = 0x0009
	AttrUnknownAttributes      AttrType = 0x000A
	AttrChannelNumber          AttrType = 0x000C
	AttrLifetime               AttrType = 0x000D
	AttrXorPeerAddress         AttrType = 0x0012
	AttrData                   AttrType = 0x0013
	AttrRealm                  AttrType = 0x0014
	AttrNonce                  AttrType = 0x0015
	AttrXorRelayedAddress      AttrType = 0x0016
	AttrRequestedAddressFamily AttrType = 0x0017
	AttrEvenPort               AttrType = 0x0018
	AttrRequestedTransport     AttrType = 0x0019
	AttrDontFragment           AttrType = 0x001A
	AttrXorMappedAddress       AttrType = 0x0020
	AttrReservationToken       AttrType = 0x0022
	AttrPriority               AttrType = 0x0024
	AttrUseCandidate           AttrType = 0x0025
	AttrSoftware               AttrType = 0x8022
	AttrFingerprint            AttrType = 0x8028
	AttrIceControlled          AttrType = 0x8029
	AttrIceControlling         AttrType = 0x802A
)

var (
	ErrNotSTUN          = errtrace.New("not a STUN message")
	ErrTruncated        = errtrace.New("truncated STUN message")
	ErrAttrNotFound     = errtrace.New("attribute not found")
	ErrBadAttrValue     = errtrace.New("malformed attribute value")
	ErrIntegrityFailed  = errtrace.New("message integrity check failed")
	ErrFingerprintWrong = errtrace.New("fingerprint mismatch")
)

// IsSTUN reports whether data plausibly frames a STUN message: the first
// byte is 0x00 or 0x01, the magic cookie sits at offset 4 and the length
// field is a multiple of 4 that fits within the datagram.
func IsSTUN(data []byte) bool {
	if len(data) < HeaderSize {
		return false
	}
	if data[0] != 0x00 && data[0] != 0x01 {
		return false
	}
	if binary.BigEndian.Uint32(data[4:8]) != MagicCookie {
		return false
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	return length%4 == 0 && HeaderSize+length <= len(data)
}

// Attribute is a raw type-length-value STUN attribute.
// Values are padded to a 4-byte boundary on the wire; Value holds the
// unpadded bytes.
type Attribute struct {
	Type  AttrType
	Value []byte
}

// Message is a parsed STUN message.
type Message struct {
	Type          MessageType
	TransactionID [TransactionIDSize]byte
	Attributes    []Attribute
}

// Parse decodes a STUN message.
func Parse(data []byte) (*Message, error) {
	if !IsSTUN(data) {
		return nil, errtrace.Wrap(ErrNotSTUN)
	}
	msg := &Message{Type: MessageType(binary.BigEndian.Uint16(data[0:2]))}
	copy(msg.TransactionID[:], data[8:HeaderSize])

	length := int(binary.BigEndian.Uint16(data[2:4]))
	attrs := data[HeaderSize : HeaderSize+length]
	for len(attrs) > 0 {
		if len(attrs) < 4 {
			return nil, errtrace.Wrap(ErrTruncated)
		}
		at := AttrType(binary.BigEndian.Uint16(attrs[0:2]))
		al := int(binary.BigEndian.Uint16(attrs[2:4]))
		padded := (al + 3) &^ 3
		if len(attrs) < 4+padded {
			return nil, errtrace.Wrap(ErrTruncated)
		}
		msg.Attributes = append(msg.Attributes, Attribute{
			Type:  at,
			Value: append([]byte(nil), attrs[4:4+al]...),
		})
		attrs = attrs[4+padded:]
	}
	return msg, nil
}

// Get returns the first attribute of the given type.
func (m *Message) Get(t AttrType) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// Has reports whether an attribute of the given type is present.
// Flag attributes like USE-CANDIDATE and DONT-FRAGMENT carry no value.
func (m *Message) Has(t AttrType) bool {
	_, ok := m.Get(t)
	return ok
}

// Add appends a raw attribute.
func (m *Message) Add(t AttrType, value []byte) {
	m.Attributes = append(m.Attributes, Attribute{Type: t, Value: value})
}

// Encode renders the message with its current attributes.
func (m *Message) Encode() []byte {
	size := HeaderSize
	for _, a := range m.Attributes {
		size += 4 + ((len(a.Value) + 3) &^ 3)
	}
	out := make([]byte, HeaderSize, size)
	binary.BigEndian.PutUint16(out[0:2], uint16(m.Type))
	binary.BigEndian.PutUint16(out[2:4], uint16(size-HeaderSize))
	binary.BigEndian.PutUint32(out[4:8], MagicCookie)
	copy(out[8:], m.TransactionID[:])
	for _, a := range m.Attributes {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(a.Type))
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.Value)))
		out = append(out, hdr[:]...)
		out = append(out, a.Value...)
		for pad := (4 - len(a.Value)%4) % 4; pad > 0; pad-- {
			out = append(out, 0)
		}
	}
	return out
}

// Address is a transport address carried in an address attribute.
type Address struct {
	IP   netip.Addr
	Port uint16
}

func encodeAddress(addr Address, xorWith []byte) []byte {
	ip := addr.IP
	family := byte(0x01)
	raw := ip.AsSlice()
	if ip.Is6() && !ip.Is4In6() {
		family = 0x02
	} else if ip.Is4In6() {
		raw = ip.Unmap().AsSlice()
	}
	out := make([]byte, 4+len(raw))
	out[1] = family
	binary.BigEndian.PutUint16(out[2:4], addr.Port)
	copy(out[4:], raw)
	if xorWith != nil {
		out[2] ^= xorWith[0]
		out[3] ^= xorWith[1]
		for i := range raw {
			out[4+i] ^= xorWith[i]
		}
	}
	return out
}

func decodeAddress(value, xorWith []byte) (Address, error) {
	if len(value) < 4 {
		return Address{}, errtrace.Wrap(ErrBadAttrValue)
	}
	family := value[1]
	port := binary.BigEndian.Uint16(value[2:4])
	raw := append([]byte(nil), value[4:]...)
	if xorWith != nil {
		port ^= binary.BigEndian.Uint16(xorWith[0:2])
		for i := range raw {
			raw[i] ^= xorWith[i]
		}
	}
	var ip netip.Addr
	var ok bool
	switch family {
	case 0x01:
		if len(raw) != 4 {
			return Address{}, errtrace.Wrap(ErrBadAttrValue)
		}
		ip, ok = netip.AddrFromSlice(raw)
	case 0x02:
		if len(raw) != 16 {
			return Address{}, errtrace.Wrap(ErrBadAttrValue)
		}
		ip, ok = netip.AddrFromSlice(raw)
	default:
		return Address{}, errtrace.Wrap(ErrBadAttrValue)
	}
	if !ok {
		return Address{}, errtrace.Wrap(ErrBadAttrValue)
	}
	return Address{IP: ip, Port: port}, nil
}

// xorMask is the cookie plus transaction ID used by XOR address attributes.
func (m *Message) xorMask() []byte {
	mask := make([]byte, 16)
	binary.BigEndian.PutUint32(mask[0:4], MagicCookie)
	copy(mask[4:], m.TransactionID[:])
	return mask
}

// MappedAddress decodes the MAPPED-ADDRESS attribute.
func (m *Message) MappedAddress() (Address, error) {
	a, ok := m.Get(AttrMappedAddress)
	if !ok {
		return Address{}, errtrace.Wrap(ErrAttrNotFound)
	}
	return errtrace.Wrap2(decodeAddress(a.Value, nil))
}

// SetMappedAddress encodes the MAPPED-ADDRESS attribute.
func (m *Message) SetMappedAddress(addr Address) {
	m.Add(AttrMappedAddress, encodeAddress(addr, nil))
}

// XorMappedAddress decodes the XOR-MAPPED-ADDRESS attribute.
func (m *Message) XorMappedAddress() (Address, error) {
	a, ok := m.Get(AttrXorMappedAddress)
	if !ok {
		return Address{}, errtrace.Wrap(ErrAttrNotFound)
	}
	return errtrace.Wrap2(decodeAddress(a.Value, m.xorMask()))
}

// SetXorMappedAddress encodes the XOR-MAPPED-ADDRESS attribute.
func (m *Message) SetXorMappedAddress(addr Address) {
	m.Add(AttrXorMappedAddress, encodeAddress(addr, m.xorMask()))
}

// XorPeerAddress decodes the TURN XOR-PEER-ADDRESS attribute.
func (m *Message) XorPeerAddress() (Address, error) {
	a, ok := m.Get(AttrXorPeerAddress)
	if !ok {
		return Address{}, errtrace.Wrap(ErrAttrNotFound)
	}
	return errtrace.Wrap2(decodeAddress(a.Value, m.xorMask()))
}

// XorRelayedAddress decodes the TURN XOR-RELAYED-ADDRESS attribute.
func (m *Message) XorRelayedAddress() (Address, error) {
	a, ok := m.Get(AttrXorRelayedAddress)
	if !ok {
		return Address{}, errtrace.Wrap(ErrAttrNotFound)
	}
	return errtrace.Wrap2(decodeAddress(a.Value, m.xorMask()))
}

// ErrorCode is the ERROR-CODE attribute value.
type ErrorCode struct {
	Code   int
	Reason string
}

// ErrorCode decodes the ERROR-CODE attribute.
func (m *Message) ErrorCode() (ErrorCode, error) {
	a, ok := m.Get(AttrErrorCode)
	if !ok {
		return ErrorCode{}, errtrace.Wrap(ErrAttrNotFound)
	}
	if len(a.Value) < 4 {
		return ErrorCode{}, errtrace.Wrap(ErrBadAttrValue)
	}
	class := int(a.Value[2] & 0x07)
	number := int(a.Value[3])
	return ErrorCode{Code: class*100 + number, Reason: string(a.Value[4:])}, nil
}

// SetErrorCode encodes the ERROR-CODE attribute.
func (m *Message) SetErrorCode(ec ErrorCode) {
	v := make([]byte, 4+len(ec.Reason))
	v[2] = byte(ec.Code / 100)
	v[3] = byte(ec.Code % 100)
	copy(v[4:], ec.Reason)
	m.Add(AttrErrorCode, v)
}

// Username returns the USERNAME attribute value.
func (m *Message) Username() (string, error) {
	a, ok := m.Get(AttrUsername)
	if !ok {
		return "", errtrace.Wrap(ErrAttrNotFound)
	}
	return string(a.Value), nil
}

// Priority returns the ICE PRIORITY attribute value.
func (m *Message) Priority() (uint32, error) {
	a, ok := m.Get(AttrPriority)
	if !ok {
		return 0, errtrace.Wrap(ErrAttrNotFound)
	}
	if len(a.Value) != 4 {
		return 0, errtrace.Wrap(ErrBadAttrValue)
	}
	return binary.BigEndian.Uint32(a.Value), nil
}

// SetPriority encodes the ICE PRIORITY attribute.
func (m *Message) SetPriority(p uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, p)
	m.Add(AttrPriority, v)
}

// IceRole returns the tiebreaker of ICE-CONTROLLING or ICE-CONTROLLED,
// with controlling=true for ICE-CONTROLLING.
func (m *Message) IceRole() (tiebreaker uint64, controlling, ok bool) {
	if a, found := m.Get(AttrIceControlling); found && len(a.Value) == 8 {
		return binary.BigEndian.Uint64(a.Value), true, true
	}
	if a, found := m.Get(AttrIceControlled); found && len(a.Value) == 8 {
		return binary.BigEndian.Uint64(a.Value), false, true
	}
	return 0, false, false
}

// Lifetime returns the TURN LIFETIME attribute in seconds.
func (m *Message) Lifetime() (uint32, error) {
	a, ok := m.Get(AttrLifetime)
	if !ok {
		return 0, errtrace.Wrap(ErrAttrNotFound)
	}
	if len(a.Value) != 4 {
		return 0, errtrace.Wrap(ErrBadAttrValue)
	}
	return binary.BigEndian.Uint32(a.Value), nil
}

// ChannelNumber returns the TURN CHANNEL-NUMBER attribute.
func (m *Message) ChannelNumber() (uint16, error) {
	a, ok := m.Get(AttrChannelNumber)
	if !ok {
		return 0, errtrace.Wrap(ErrAttrNotFound)
	}
	if len(a.Value) != 4 {
		return 0, errtrace.Wrap(ErrBadAttrValue)
	}
	return binary.BigEndian.Uint16(a.Value[0:2]), nil
}

// AddMessageIntegrity appends a MESSAGE-INTEGRITY attribute computed with
// the given key over the message rendered so far.
func (m *Message) AddMessageIntegrity(key []byte) {
	// The length field must cover the integrity attribute itself.
	body := m.Encode()
	binary.BigEndian.PutUint16(body[2:4], uint16(len(body)-HeaderSize+24))
	mac := hmac.New(sha1.New, key)
	mac.Write(body)
	m.Add(AttrMessageIntegrity, mac.Sum(nil))
}

// CheckMessageIntegrity verifies the MESSAGE-INTEGRITY attribute.
func (m *Message) CheckMessageIntegrity(key []byte) error {
	integrity, ok := m.Get(AttrMessageIntegrity)
	if !ok {
		return errtrace.Wrap(ErrAttrNotFound)
	}
	// Render the message up to, but excluding, the integrity attribute.
	trimmed := &Message{Type: m.Type, TransactionID: m.TransactionID}
	for _, a := range m.Attributes {
		if a.Type == AttrMessageIntegrity {
			break
		}
		trimmed.Attributes = append(trimmed.Attributes, a)
	}
	body := trimmed.Encode()
	binary.BigEndian.PutUint16(body[2:4], uint16(len(body)-HeaderSize+24))
	mac := hmac.New(sha1.New, key)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), integrity.Value) {
		return errtrace.Wrap(ErrIntegrityFailed)
	}
	return nil
}

// AddFingerprint appends the FINGERPRINT attribute: CRC32 of the message
// XORed with 0x5354554E, RFC 5389 Section 15.5.
func (m *Message) AddFingerprint() {
	body := m.Encode()
	binary.BigEndian.PutUint16(body[2:4], uint16(len(body)-HeaderSize+8))
	crc := crc32.ChecksumIEEE(body) ^ fingerprintXor
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, crc)
	m.Add(AttrFingerprint, v)
}

// CheckFingerprint verifies the FINGERPRINT attribute.
func (m *Message) CheckFingerprint() error {
	fp, ok := m.Get(AttrFingerprint)
	if !ok {
		return errtrace.Wrap(ErrAttrNotFound)
	}
	if len(fp.Value) != 4 {
		return errtrace.Wrap(ErrBadAttrValue)
	}
	trimmed := &Message{Type: m.Type, TransactionID: m.TransactionID}
	for _, a := range m.Attributes {
		if a.Type == AttrFingerprint {
			break
		}
		trimmed.Attributes = append(trimmed.Attributes, a)
	}
	body := trimmed.Encode()
	binary.BigEndian.PutUint16(body[2:4], uint16(len(body)-HeaderSize+8))
	if crc32.ChecksumIEEE(body)^fingerprintXor != binary.BigEndian.Uint32(fp.Value) {
		return errtrace.Wrap(ErrFingerprintWrong)
	}
	return nil
}
