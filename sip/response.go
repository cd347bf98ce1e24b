package sip

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/stringutils"
	"github.com/ghettovoice/sipcore/sip/header"
)

// Response is a SIP response.
type Response struct {
	message
	proto  ProtoInfo
	status StatusCode
	reason string
}

// NewResponse builds a response with the given status and headers.
// An empty reason is filled with the default reason phrase.
func NewResponse(status StatusCode, reason string, hdrs ...header.Header) *Response {
	if reason == "" {
		reason = status.ReasonPhrase()
	}
	res := &Response{
		proto:  Proto20,
		status: status,
		reason: reason,
	}
	res.headers = header.NewHeaders(hdrs...)
	return res
}

// NewResponseFromRequest builds a response to req per RFC 3261 Section 8.2.6:
// Via, From, To, Call-ID and CSeq are copied from the request.
// The To tag is left untouched; the caller adds one when required.
func NewResponseFromRequest(req *Request, status StatusCode, reason string) *Response {
	res := NewResponse(status, reason)
	hs := req.Headers()
	if via := hs.Via(); via != nil {
		res.Headers().Set(via.CloneVia())
	}
	if from, ok := hs.From(); ok {
		res.Headers().Set(from.Clone())
	}
	if to, ok := hs.To(); ok {
		res.Headers().Set(to.Clone())
	}
	if callID, ok := hs.CallID(); ok {
		res.Headers().Set(callID)
	}
	if cseq, ok := hs.CSeq(); ok {
		res.Headers().Set(*cseq)
	}
	res.SetBody(nil, true)
	// The response goes back where the request came from.
	res.SetLocalEndpoint(req.LocalEndpoint())
	res.SetRemoteEndpoint(req.RemoteEndpoint())
	return res
}

// Proto returns the protocol version from the status line.
func (res *Response) Proto() ProtoInfo { return res.proto }

// Status returns the response status code.
func (res *Response) Status() StatusCode { return res.status }

// Reason returns the reason phrase.
func (res *Response) Reason() string { return res.reason }

// IsProvisional reports whether the status is 1xx.
func (res *Response) IsProvisional() bool { return res.status.IsProvisional() }

// IsSuccess reports whether the status is 2xx.
func (res *Response) IsSuccess() bool { return res.status.IsSuccess() }

// IsFinal reports whether the status is 2xx-6xx.
func (res *Response) IsFinal() bool { return res.status.IsFinal() }

func (res *Response) StartLine() string {
	return fmt.Sprint(res.proto, " ", uint16(res.status), " ", res.reason)
}

func (res *Response) RenderTo(w io.Writer) error {
	return errtrace.Wrap(renderMessage(w, res.StartLine(), &res.message))
}

func (res *Response) Render() []byte {
	var buf bytes.Buffer
	_ = res.RenderTo(&buf)
	return buf.Bytes()
}

func (res *Response) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = res.RenderTo(sb)
	return sb.String()
}

func (res *Response) Short() string {
	callID, _ := res.Headers().CallID()
	return fmt.Sprintf("response %q call_id=%q", res.StartLine(), callID)
}

func (res *Response) Clone() Message {
	return &Response{
		message: res.message.clone(),
		proto:   res.proto,
		status:  res.status,
		reason:  res.reason,
	}
}

func (res *Response) Validate() error {
	if !res.status.IsValid() {
		return errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "status code out of range"))
	}
	return errtrace.Wrap(validateMessage(&res.message))
}

func (res *Response) LogValue() slog.Value {
	callID, _ := res.Headers().CallID()
	return slog.GroupValue(
		slog.String("start_line", res.StartLine()),
		slog.String("call_id", string(callID)),
	)
}

// cseqMethod returns the method from the CSeq header, empty when absent.
func cseqMethod(m Message) RequestMethod {
	if cseq, ok := m.Headers().CSeq(); ok {
		return cseq.Method
	}
	return ""
}
