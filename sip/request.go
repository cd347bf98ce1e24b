package sip

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/stringutils"
	"github.com/ghettovoice/sipcore/sip/header"
	"github.com/ghettovoice/sipcore/sip/uri"
)

// Request is a SIP request.
type Request struct {
	message
	proto      ProtoInfo
	method     RequestMethod
	requestURI uri.Uri
	// recvRoute collects Route entries naming this stack that route
	// preprocessing consumed on receive.
	recvRoute header.Route
}

// NewRequest builds a request with the given method, Request-URI and headers.
func NewRequest(method RequestMethod, requestURI uri.Uri, hdrs ...header.Header) *Request {
	req := &Request{
		proto:      Proto20,
		method:     method.Canonic(),
		requestURI: requestURI,
	}
	req.headers = header.NewHeaders(hdrs...)
	return req
}

// Proto returns the protocol version from the request line.
func (req *Request) Proto() ProtoInfo { return req.proto }

// Method returns the request method.
func (req *Request) Method() RequestMethod { return req.method }

// RequestURI returns the Request-URI.
func (req *Request) RequestURI() uri.Uri { return req.requestURI }

// SetRequestURI replaces the Request-URI.
func (req *Request) SetRequestURI(u uri.Uri) { req.requestURI = u }

// ReceivedRoute returns the Route entries naming this stack that were
// consumed by route preprocessing on receive.
func (req *Request) ReceivedRoute() header.Route { return req.recvRoute }

// IsInvite reports whether the method is INVITE.
func (req *Request) IsInvite() bool { return req.method.Equal(RequestMethodInvite) }

// IsAck reports whether the method is ACK.
func (req *Request) IsAck() bool { return req.method.Equal(RequestMethodAck) }

// IsCancel reports whether the method is CANCEL.
func (req *Request) IsCancel() bool { return req.method.Equal(RequestMethodCancel) }

func (req *Request) StartLine() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_, _ = fmt.Fprint(sb, req.method, " ")
	if req.requestURI != nil {
		_ = req.requestURI.RenderTo(sb)
	}
	_, _ = fmt.Fprint(sb, " ", req.proto)
	return sb.String()
}

func (req *Request) RenderTo(w io.Writer) error {
	return errtrace.Wrap(renderMessage(w, req.StartLine(), &req.message))
}

func (req *Request) Render() []byte {
	var buf bytes.Buffer
	_ = req.RenderTo(&buf)
	return buf.Bytes()
}

func (req *Request) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = req.RenderTo(sb)
	return sb.String()
}

func (req *Request) Short() string {
	callID, _ := req.Headers().CallID()
	return fmt.Sprintf("request %q call_id=%q", req.StartLine(), callID)
}

func (req *Request) Clone() Message {
	req2 := &Request{
		message: req.message.clone(),
		proto:   req.proto,
		method:  req.method,
	}
	if req.requestURI != nil {
		req2.requestURI = req.requestURI.Clone()
	}
	if req.recvRoute != nil {
		req2.recvRoute, _ = req.recvRoute.Clone().(header.Route)
	}
	return req2
}

func (req *Request) Validate() error {
	if !req.method.IsValid() {
		return errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "invalid method"))
	}
	if req.requestURI == nil || !req.requestURI.IsValid() {
		return errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "invalid Request-URI"))
	}
	if err := validateMessage(&req.message); err != nil {
		return errtrace.Wrap(err)
	}
	if cseq, _ := req.Headers().CSeq(); cseq != nil && !cseq.Method.Equal(req.method) {
		return errtrace.Wrap(NewValidationError(FieldCSeq, StatusBadRequest, "CSeq method mismatch"))
	}
	return nil
}

func (req *Request) LogValue() slog.Value {
	callID, _ := req.Headers().CallID()
	return slog.GroupValue(
		slog.String("start_line", req.StartLine()),
		slog.String("call_id", string(callID)),
	)
}
