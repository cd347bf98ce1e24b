package sip

import (
	"io"

	"github.com/ghettovoice/sipcore/sip/header"
)

// Message is a SIP request or response.
type Message interface {
	// StartLine returns the rendered first line of the message.
	StartLine() string
	// Headers returns the message header envelope.
	Headers() *header.Headers
	// Body returns the message body bytes.
	Body() []byte
	// SetBody replaces the body and, when setContentLength is true,
	// updates the Content-Length header to match.
	SetBody(body []byte, setContentLength bool)
	// BodyEncoding returns the text encoding hint of the body.
	BodyEncoding() Encoding
	// RenderTo writes the message in RFC 3261 wire form.
	RenderTo(w io.Writer) error
	// Render returns the message in RFC 3261 wire form.
	Render() []byte
	String() string
	// Short returns brief message info for logs.
	Short() string
	// Clone returns a deep copy of the message.
	Clone() Message
	// LocalEndpoint returns the local endpoint the message was received on
	// or should be sent from, zero when not yet assigned.
	LocalEndpoint() Endpoint
	SetLocalEndpoint(ep Endpoint)
	// RemoteEndpoint returns the remote endpoint the message came from
	// or goes to, zero when not yet resolved.
	RemoteEndpoint() Endpoint
	SetRemoteEndpoint(ep Endpoint)
	// Validate checks the message holds every header the core requires.
	Validate() error
}

type message struct {
	headers *header.Headers
	body    []byte
	bodyEnc Encoding
	laddr   Endpoint
	raddr   Endpoint
}

func (m *message) Headers() *header.Headers {
	if m.headers == nil {
		m.headers = header.NewHeaders()
	}
	return m.headers
}

func (m *message) Body() []byte { return m.body }

func (m *message) SetBody(body []byte, setContentLength bool) {
	m.body = body
	if setContentLength {
		m.Headers().Set(header.ContentLength(len(body)))
	}
}

func (m *message) BodyEncoding() Encoding { return m.bodyEnc.orDefault() }

func (m *message) LocalEndpoint() Endpoint { return m.laddr }

func (m *message) SetLocalEndpoint(ep Endpoint) { m.laddr = ep }

func (m *message) RemoteEndpoint() Endpoint { return m.raddr }

func (m *message) SetRemoteEndpoint(ep Endpoint) { m.raddr = ep }

func (m *message) clone() message {
	m2 := *m
	m2.headers = m.Headers().Clone()
	m2.body = append([]byte(nil), m.body...)
	return m2
}

// renderMessage writes startLine CRLF headers CRLF body.
// A missing Content-Length header is materialized from the body length
// so the framing invariant holds on the wire.
func renderMessage(w io.Writer, startLine string, m *message) error {
	if _, err := io.WriteString(w, startLine); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	hs := m.Headers()
	if _, ok := hs.ContentLength(); !ok {
		hs.Set(header.ContentLength(len(m.body)))
	}
	if err := hs.RenderTo(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if len(m.body) > 0 {
		if _, err := w.Write(m.body); err != nil {
			return err
		}
	}
	return nil
}

func validateMessage(m *message) error {
	hs := m.Headers()
	if _, ok := hs.FirstVia(); !ok {
		return NewValidationError(FieldVia, StatusBadRequest, "missing Via header")
	}
	if _, ok := hs.From(); !ok {
		return NewValidationError(FieldFrom, StatusBadRequest, "missing From header")
	}
	if _, ok := hs.To(); !ok {
		return NewValidationError(FieldTo, StatusBadRequest, "missing To header")
	}
	if _, ok := hs.CallID(); !ok {
		return NewValidationError(FieldCallID, StatusBadRequest, "missing Call-ID header")
	}
	if _, ok := hs.CSeq(); !ok {
		return NewValidationError(FieldCSeq, StatusBadRequest, "missing CSeq header")
	}
	if cl, ok := hs.ContentLength(); ok && int(cl) != len(m.body) {
		return NewValidationError(FieldContentLength, StatusBadRequest, "Content-Length does not match body size")
	}
	return nil
}
