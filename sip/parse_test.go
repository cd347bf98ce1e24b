package sip_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/sip/header"
)

const sampleInvite = "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: Bob <sip:bob@biloxi.com>\r\n" +
	"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Contact: <sip:alice@pc33.atlanta.com>\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 4\r\n" +
	"\r\n" +
	"v=0\r\n"

func TestParseMessage_Request(t *testing.T) {
	t.Parallel()

	msg, err := sip.ParseMessage([]byte(sampleInvite), nil)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("ParseMessage() = %T, want *sip.Request", msg)
	}
	if !req.Method().Equal(sip.RequestMethodInvite) {
		t.Errorf("Method() = %q, want INVITE", req.Method())
	}
	if got := req.RequestURI().String(); got != "sip:bob@biloxi.com" {
		t.Errorf("RequestURI() = %q", got)
	}
	via, ok := req.Headers().FirstVia()
	if !ok || via.Branch() != "z9hG4bK776asdhds" {
		t.Errorf("top Via branch = %q, want z9hG4bK776asdhds", via.Branch())
	}
	from, _ := req.Headers().From()
	if from.Tag() != "1928301774" {
		t.Errorf("From tag = %q", from.Tag())
	}
	if string(req.Body()) != "v=0\r\n"[:4] {
		t.Errorf("Body() = %q, want first 4 bytes of payload", req.Body())
	}
	if err := req.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParseMessage_Response(t *testing.T) {
	t.Parallel()

	raw := "SIP/2.0 180 Ringing\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bKnashds8\r\n" +
		"To: Bob <sip:bob@biloxi.com>;tag=a6c85cf\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n"
	msg, err := sip.ParseMessage([]byte(raw), nil)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	res, ok := msg.(*sip.Response)
	if !ok {
		t.Fatalf("ParseMessage() = %T, want *sip.Response", msg)
	}
	if res.Status() != 180 || res.Reason() != "Ringing" {
		t.Errorf("status line = %d %q", res.Status(), res.Reason())
	}
	if !res.IsProvisional() {
		t.Error("180 must be provisional")
	}
	to, _ := res.Headers().To()
	if to.Tag() != "a6c85cf" {
		t.Errorf("To tag = %q", to.Tag())
	}
}

func TestParseMessage_CompactFormsAndFolding(t *testing.T) {
	t.Parallel()

	raw := "OPTIONS sip:server.example SIP/2.0\r\n" +
		"v: SIP/2.0/TCP client.example;branch=z9hG4bK74b21\r\n" +
		"f: <sip:caller@client.example>\r\n" +
		"t: <sip:server.example>\r\n" +
		"i: abc123\r\n" +
		"Subject: I know you're there,\r\n" +
		" pick up the phone!\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"l: 0\r\n\r\n"
	msg, err := sip.ParseMessage([]byte(raw), nil)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	hs := msg.Headers()
	if _, ok := hs.FirstVia(); !ok {
		t.Error("compact v must parse as Via")
	}
	if callID, ok := hs.CallID(); !ok || callID != "abc123" {
		t.Error("compact i must parse as Call-ID")
	}
	if cl, ok := hs.ContentLength(); !ok || cl != 0 {
		t.Error("compact l must parse as Content-Length")
	}
	subj := hs.Get("Subject")
	if len(subj) != 1 || !strings.Contains(subj[0].String(), "pick up the phone") {
		t.Errorf("folded Subject lost its continuation: %v", subj)
	}
}

func TestParseMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	msg, err := sip.ParseMessage([]byte(sampleInvite), nil)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	again, err := sip.ParseMessage(msg.Render(), nil)
	if err != nil {
		t.Fatalf("re-parse error = %v\nrendered:\n%s", err, msg.Render())
	}
	if !msg.Headers().Equal(again.Headers()) {
		t.Errorf("headers changed across render/parse:\n%s\nvs\n%s", msg.Headers(), again.Headers())
	}
	if string(msg.Body()) != string(again.Body()) {
		t.Errorf("body changed across render/parse")
	}
	if msg.StartLine() != again.StartLine() {
		t.Errorf("start line changed: %q vs %q", msg.StartLine(), again.StartLine())
	}
}

func TestParseMessage_ValidationErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   string
		field sip.ValidationField
	}{
		{
			name:  "garbage start line",
			raw:   "NOT A SIP MESSAGE AT ALL\r\n\r\n",
			field: sip.FieldStartLine,
		},
		{
			name:  "bad cseq",
			raw:   "OPTIONS sip:a SIP/2.0\r\nCSeq: nope OPTIONS\r\n\r\n",
			field: sip.FieldCSeq,
		},
		{
			name:  "bad via",
			raw:   "OPTIONS sip:a SIP/2.0\r\nVia: SIP/2.0 missing-transport\r\n\r\n",
			field: sip.FieldVia,
		},
		{
			name:  "content length exceeds body",
			raw:   "OPTIONS sip:a SIP/2.0\r\nCSeq: 1 OPTIONS\r\nContent-Length: 99\r\n\r\nshort",
			field: sip.FieldContentLength,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := sip.ParseMessage([]byte(tt.raw), nil)
			if err == nil {
				t.Fatal("ParseMessage() error = nil, want validation error")
			}
			var verr *sip.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
			if verr.Status != sip.StatusBadRequest {
				t.Errorf("status = %d, want 400", verr.Status)
			}
		})
	}
}

func TestIsPing(t *testing.T) {
	t.Parallel()

	for _, data := range [][]byte{nil, []byte("\r\n"), []byte("\r\n\r\n")} {
		if !sip.IsPing(data) {
			t.Errorf("IsPing(%q) = false, want true", data)
		}
	}
	if sip.IsPing([]byte(sampleInvite)) {
		t.Error("a real message is not a ping")
	}
}

func TestNewResponseFromRequest(t *testing.T) {
	t.Parallel()

	msg, _ := sip.ParseMessage([]byte(sampleInvite), nil)
	req := msg.(*sip.Request)
	res := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "")

	if res.Status() != sip.StatusBusyHere || res.Reason() != "Busy Here" {
		t.Errorf("status line = %d %q", res.Status(), res.Reason())
	}
	reqVia, _ := req.Headers().FirstVia()
	resVia, ok := res.Headers().FirstVia()
	if !ok || resVia.Branch() != reqVia.Branch() {
		t.Error("response must copy the request's Via")
	}
	if callID, ok := res.Headers().CallID(); !ok || callID != "a84b4c76e66710@pc33.atlanta.com" {
		t.Error("response must copy Call-ID")
	}
	if cseq, ok := res.Headers().CSeq(); !ok || cseq.Seq != 314159 || !cseq.Method.Equal(header.RequestMethod("INVITE")) {
		t.Error("response must copy CSeq")
	}
}
