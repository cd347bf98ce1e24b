package stun_test

import (
	"bytes"
	"net/netip"
	"testing"

	pionstun "github.com/pion/stun"

	"github.com/ghettovoice/sipcore/stun"
)

func TestIsSTUN(t *testing.T) {
	t.Parallel()

	msg := &stun.Message{Type: stun.TypeBindingRequest, TransactionID: [12]byte{1, 2, 3}}
	raw := msg.Encode()
	if !stun.IsSTUN(raw) {
		t.Error("an encoded binding request must be recognized")
	}

	sipStart := []byte("INVITE sip:bob@biloxi.com SIP/2.0\r\n\r\n")
	if stun.IsSTUN(sipStart) {
		t.Error("a SIP message must not be recognized as STUN")
	}
	if stun.IsSTUN(raw[:stun.HeaderSize-1]) {
		t.Error("a short datagram must not be recognized")
	}

	bad := append([]byte(nil), raw...)
	bad[4] = 0xFF // break the magic cookie
	if stun.IsSTUN(bad) {
		t.Error("a payload without the magic cookie must not be recognized")
	}
}

func TestMessage_EncodeParseRoundTrip(t *testing.T) {
	t.Parallel()

	msg := &stun.Message{Type: stun.TypeBindingSuccess, TransactionID: [12]byte{0xde, 0xad, 0xbe, 0xef}}
	msg.SetXorMappedAddress(stun.Address{IP: netip.MustParseAddr("203.0.113.9"), Port: 32853})
	msg.SetPriority(0x6e7f1eff)
	msg.Add(stun.AttrUseCandidate, nil)
	msg.SetErrorCode(stun.ErrorCode{Code: 438, Reason: "Stale Nonce"})

	parsed, err := stun.Parse(msg.Encode())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.Type != stun.TypeBindingSuccess || parsed.TransactionID != msg.TransactionID {
		t.Error("header fields lost in round trip")
	}
	addr, err := parsed.XorMappedAddress()
	if err != nil {
		t.Fatalf("XorMappedAddress() error = %v", err)
	}
	if addr.IP != netip.MustParseAddr("203.0.113.9") || addr.Port != 32853 {
		t.Errorf("XorMappedAddress() = %v:%d", addr.IP, addr.Port)
	}
	if prio, err := parsed.Priority(); err != nil || prio != 0x6e7f1eff {
		t.Errorf("Priority() = %d, %v", prio, err)
	}
	if !parsed.Has(stun.AttrUseCandidate) {
		t.Error("USE-CANDIDATE flag lost")
	}
	if ec, err := parsed.ErrorCode(); err != nil || ec.Code != 438 || ec.Reason != "Stale Nonce" {
		t.Errorf("ErrorCode() = %+v, %v", ec, err)
	}
}

func TestMessage_XorMappedAddressIPv6(t *testing.T) {
	t.Parallel()

	msg := &stun.Message{Type: stun.TypeBindingSuccess, TransactionID: [12]byte{7, 7, 7}}
	want := stun.Address{IP: netip.MustParseAddr("2001:db8::42"), Port: 5061}
	msg.SetXorMappedAddress(want)

	parsed, err := stun.Parse(msg.Encode())
	if err != nil {
		t.Fatal(err)
	}
	got, err := parsed.XorMappedAddress()
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("XorMappedAddress() = %v, want %v", got, want)
	}
}

// TestCrossValidate_PionDecodesOurs feeds our encoding into pion/stun.
func TestCrossValidate_PionDecodesOurs(t *testing.T) {
	t.Parallel()

	msg := &stun.Message{Type: stun.TypeBindingSuccess}
	copy(msg.TransactionID[:], bytes.Repeat([]byte{0xab}, 12))
	msg.SetXorMappedAddress(stun.Address{IP: netip.MustParseAddr("198.51.100.23"), Port: 40000})
	msg.AddFingerprint()
	raw := msg.Encode()

	var pm pionstun.Message
	pm.Raw = append([]byte(nil), raw...)
	if err := pm.Decode(); err != nil {
		t.Fatalf("pion failed to decode our message: %v", err)
	}
	var xorAddr pionstun.XORMappedAddress
	if err := xorAddr.GetFrom(&pm); err != nil {
		t.Fatalf("pion failed to read XOR-MAPPED-ADDRESS: %v", err)
	}
	if xorAddr.IP.String() != "198.51.100.23" || xorAddr.Port != 40000 {
		t.Errorf("pion decoded %s:%d", xorAddr.IP, xorAddr.Port)
	}
	if err := pionstun.Fingerprint.Check(&pm); err != nil {
		t.Errorf("pion rejected our FINGERPRINT: %v", err)
	}
}

// TestCrossValidate_WeDecodePion decodes a pion-built message.
func TestCrossValidate_WeDecodePion(t *testing.T) {
	t.Parallel()

	pm, err := pionstun.Build(
		pionstun.TransactionID,
		pionstun.BindingRequest,
		pionstun.NewUsername("anna:bob"),
		pionstun.Fingerprint,
	)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := stun.Parse(pm.Raw)
	if err != nil {
		t.Fatalf("Parse(pion message) error = %v", err)
	}
	if msg.Type != stun.TypeBindingRequest {
		t.Errorf("Type = %#x, want binding request", uint16(msg.Type))
	}
	if user, err := msg.Username(); err != nil || user != "anna:bob" {
		t.Errorf("Username() = %q, %v", user, err)
	}
	if err := msg.CheckFingerprint(); err != nil {
		t.Errorf("CheckFingerprint() on pion message: %v", err)
	}
}

func TestMessageIntegrity(t *testing.T) {
	t.Parallel()

	key := []byte("VOkJxbRl1RmTxUk/WvJxBt")
	msg := &stun.Message{Type: stun.TypeBindingRequest, TransactionID: [12]byte{9, 8, 7}}
	msg.Add(stun.AttrUsername, []byte("user"))
	msg.AddMessageIntegrity(key)

	parsed, err := stun.Parse(msg.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if err := parsed.CheckMessageIntegrity(key); err != nil {
		t.Fatalf("CheckMessageIntegrity() = %v", err)
	}
	if err := parsed.CheckMessageIntegrity([]byte("wrong")); err == nil {
		t.Error("a wrong key must fail the integrity check")
	}
}

func TestParse_TruncatedAttribute(t *testing.T) {
	t.Parallel()

	msg := &stun.Message{Type: stun.TypeBindingRequest}
	msg.Add(stun.AttrUsername, []byte("abcdef"))
	raw := msg.Encode()
	// Lie about the attribute length beyond the datagram end.
	raw[stun.HeaderSize+3] = 0xFF
	raw[2], raw[3] = 0x00, 0x0C
	if _, err := stun.Parse(raw); err == nil {
		t.Error("a truncated attribute must fail to parse")
	}
}

func TestTurnAttributes(t *testing.T) {
	t.Parallel()

	msg := &stun.Message{Type: stun.TypeAllocateSuccess, TransactionID: [12]byte{1}}
	msg.Add(stun.AttrLifetime, []byte{0, 0, 0x0e, 0x10})
	msg.Add(stun.AttrChannelNumber, []byte{0x40, 0x01, 0, 0})
	msg.SetXorMappedAddress(stun.Address{IP: netip.MustParseAddr("192.0.2.1"), Port: 49152})

	parsed, err := stun.Parse(msg.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if lt, err := parsed.Lifetime(); err != nil || lt != 3600 {
		t.Errorf("Lifetime() = %d, %v, want 3600", lt, err)
	}
	if cn, err := parsed.ChannelNumber(); err != nil || cn != 0x4001 {
		t.Errorf("ChannelNumber() = %#x, %v, want 0x4001", cn, err)
	}
}
