package sip

import (
	"bytes"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/stringutils"
	"github.com/ghettovoice/sipcore/sip/common"
	"github.com/ghettovoice/sipcore/sip/header"
	"github.com/ghettovoice/sipcore/sip/uri"
)

// ParseOptions configure the message codec.
type ParseOptions struct {
	// HeaderEncoding is the text encoding of the header section.
	// Empty means UTF-8.
	HeaderEncoding Encoding
	// BodyEncoding is the text encoding hint attached to the parsed body.
	// Empty means the header encoding.
	BodyEncoding Encoding
}

func (o *ParseOptions) headerEnc() Encoding {
	if o == nil {
		return EncodingUTF8
	}
	return o.HeaderEncoding.orDefault()
}

func (o *ParseOptions) bodyEnc() Encoding {
	if o == nil || o.BodyEncoding == "" {
		return o.headerEnc()
	}
	return o.BodyEncoding
}

// IsPing reports whether the datagram is a NAT keep-alive:
// a bare CRLF or a double CRLF.
func IsPing(data []byte) bool {
	switch len(data) {
	case 0:
		return true
	case 2:
		return data[0] == '\r' && data[1] == '\n'
	case 4:
		return bytes.Equal(data, []byte("\r\n\r\n"))
	}
	return false
}

// ParseMessage parses a complete SIP message from a single datagram or frame.
// The parser is liberal in what it accepts per RFC 3261 Section 7: header
// names compare case-insensitively, compact forms are expanded, folded lines
// are unfolded, and surrounding whitespace is ignored.
func ParseMessage(data []byte, opts *ParseOptions) (Message, error) {
	headEnd := bytes.Index(data, []byte("\r\n\r\n"))
	if headEnd < 0 {
		// Tolerate a header section terminated by end of datagram.
		headEnd = len(data)
	}
	head, err := opts.headerEnc().Decode(data[:headEnd])
	if err != nil {
		return nil, errtrace.Wrap(NewValidationError(FieldUnknown, StatusBadRequest, "undecodable header text"))
	}
	var body []byte
	if bodyStart := headEnd + 4; bodyStart < len(data) {
		body = append([]byte(nil), data[bodyStart:]...)
	}

	lines := splitHeaderLines(head)
	if len(lines) == 0 {
		return nil, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "empty message"))
	}

	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	hs := msg.Headers()
	for _, line := range lines[1:] {
		hdr, err := ParseHeader(line)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		hs.Append(hdr)
	}

	if cl, ok := hs.ContentLength(); ok {
		if int(cl) > len(body) {
			return nil, errtrace.Wrap(NewValidationError(FieldContentLength, StatusBadRequest, "Content-Length exceeds available body"))
		}
		body = body[:cl]
	}
	msg.SetBody(body, true)
	switch m := msg.(type) {
	case *Request:
		m.bodyEnc = opts.bodyEnc()
	case *Response:
		m.bodyEnc = opts.bodyEnc()
	}
	return msg, nil
}

// ParseRequest parses data and requires the result to be a request.
func ParseRequest(data []byte, opts *ParseOptions) (*Request, error) {
	msg, err := ParseMessage(data, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	req, ok := msg.(*Request)
	if !ok {
		return nil, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "not a request"))
	}
	return req, nil
}

// ParseResponse parses data and requires the result to be a response.
func ParseResponse(data []byte, opts *ParseOptions) (*Response, error) {
	msg, err := ParseMessage(data, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	res, ok := msg.(*Response)
	if !ok {
		return nil, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "not a response"))
	}
	return res, nil
}

// splitHeaderLines splits the header section into logical lines,
// unfolding continuation lines per RFC 3261 Section 7.3.1.
func splitHeaderLines(head string) []string {
	raw := strings.Split(head, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.TrimLeft(line, " \t")
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func parseStartLine(line string) (Message, error) {
	if strings.HasPrefix(line, "SIP/") {
		return errtrace.Wrap2(parseStatusLine(line))
	}
	return errtrace.Wrap2(parseRequestLine(line))
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "malformed request line"))
	}
	method := RequestMethod(parts[0])
	if !method.IsValid() {
		return nil, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "invalid method"))
	}
	requestURI, err := uri.Parse(parts[1])
	if err != nil {
		return nil, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "invalid Request-URI"))
	}
	proto, err := parseProto(parts[2])
	if err != nil {
		return nil, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "invalid SIP version"))
	}
	req := NewRequest(method, requestURI)
	req.proto = proto
	return req, nil
}

func parseStatusLine(line string) (*Response, error) {
	protoRest := strings.SplitN(line, " ", 3)
	if len(protoRest) < 2 {
		return nil, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "malformed status line"))
	}
	proto, err := parseProto(protoRest[0])
	if err != nil {
		return nil, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "invalid SIP version"))
	}
	code, err := strconv.Atoi(protoRest[1])
	if err != nil || !StatusCode(code).IsValid() {
		return nil, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "invalid status code"))
	}
	reason := ""
	if len(protoRest) == 3 {
		reason = protoRest[2]
	}
	res := NewResponse(StatusCode(code), reason)
	res.proto = proto
	return res, nil
}

func parseProto(s string) (ProtoInfo, error) {
	name, version, ok := strings.Cut(s, "/")
	if !ok || !strings.EqualFold(name, "SIP") || version == "" {
		return ProtoInfo{}, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "invalid protocol"))
	}
	return ProtoInfo{Name: stringutils.UCase(name), Version: version}, nil
}

// ParseHeader parses a single unfolded "Name: value" header line.
// Unknown headers are preserved as [header.Any] with their raw value.
func ParseHeader(line string) (header.Header, error) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return nil, errtrace.Wrap(NewValidationError(FieldUnknown, StatusBadRequest, "header line without colon"))
	}
	value = strings.TrimSpace(value)
	canonic := header.Name(strings.TrimSpace(name)).Canonic()
	switch canonic {
	case "Via":
		return errtrace.Wrap2(parseVia(value))
	case "From":
		na, err := parseNameAddr(value)
		if err != nil {
			return nil, errtrace.Wrap(NewValidationError(FieldFrom, StatusBadRequest, err.Error()))
		}
		return header.From{NameAddr: na}, nil
	case "To":
		na, err := parseNameAddr(value)
		if err != nil {
			return nil, errtrace.Wrap(NewValidationError(FieldTo, StatusBadRequest, err.Error()))
		}
		return header.To{NameAddr: na}, nil
	case "Call-ID":
		if value == "" || strings.ContainsAny(value, " \t") {
			return nil, errtrace.Wrap(NewValidationError(FieldCallID, StatusBadRequest, "malformed Call-ID"))
		}
		return header.CallID(value), nil
	case "CSeq":
		return errtrace.Wrap2(parseCSeq(value))
	case "Contact":
		return errtrace.Wrap2(parseContact(value))
	case "Route":
		entries, err := parseRouteEntries(value)
		if err != nil {
			return nil, errtrace.Wrap(NewValidationError(FieldRoute, StatusBadRequest, err.Error()))
		}
		return header.Route(entries), nil
	case "Record-Route":
		entries, err := parseRouteEntries(value)
		if err != nil {
			return nil, errtrace.Wrap(NewValidationError(FieldRoute, StatusBadRequest, err.Error()))
		}
		return header.RecordRoute(entries), nil
	case "Max-Forwards":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n > 255 {
			return nil, errtrace.Wrap(NewValidationError(FieldUnknown, StatusBadRequest, "malformed Max-Forwards"))
		}
		return header.MaxForwards(n), nil
	case "Content-Length":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, errtrace.Wrap(NewValidationError(FieldContentLength, StatusBadRequest, "malformed Content-Length"))
		}
		return header.ContentLength(n), nil
	case "Content-Type":
		return header.ContentType(value), nil
	case "Expires":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, errtrace.Wrap(NewValidationError(FieldUnknown, StatusBadRequest, "malformed Expires"))
		}
		return header.Expires(n), nil
	case "Require":
		return header.Require(splitTokenList(value)), nil
	case "Supported":
		return header.Supported(splitTokenList(value)), nil
	case "Unsupported":
		return header.Unsupported(splitTokenList(value)), nil
	case "User-Agent":
		return header.UserAgent(value), nil
	default:
		return header.Any{HeaderName: header.Name(strings.TrimSpace(name)), Value: value}, nil
	}
}

func splitTokenList(value string) []string {
	var tokens []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			tokens = append(tokens, part)
		}
	}
	return tokens
}

// splitCommaList splits a comma-separated header value, ignoring commas
// inside angle brackets and quoted strings.
func splitCommaList(value string) []string {
	var (
		parts   []string
		depth   int
		quoted  bool
		escaped bool
		start   int
	)
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && quoted:
			escaped = true
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '<':
			depth++
		case c == '>' && depth > 0:
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, value[start:i])
			start = i + 1
		}
	}
	parts = append(parts, value[start:])
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseVia(value string) (header.Via, error) {
	var via header.Via
	for _, part := range splitCommaList(value) {
		hop, err := parseViaHop(part)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		via = append(via, hop)
	}
	if len(via) == 0 {
		return nil, errtrace.Wrap(NewValidationError(FieldVia, StatusBadRequest, "empty Via header"))
	}
	return via, nil
}

func parseViaHop(s string) (header.ViaHop, error) {
	var hop header.ViaHop
	sentProto, rest, ok := strings.Cut(s, " ")
	if !ok {
		return hop, errtrace.Wrap(NewValidationError(FieldVia, StatusBadRequest, "malformed Via: missing sent-by"))
	}
	protoParts := strings.Split(sentProto, "/")
	if len(protoParts) != 3 {
		return hop, errtrace.Wrap(NewValidationError(FieldVia, StatusBadRequest, "malformed Via: bad sent-protocol"))
	}
	hop.Proto = ProtoInfo{
		Name:    stringutils.UCase(strings.TrimSpace(protoParts[0])),
		Version: strings.TrimSpace(protoParts[1]),
	}
	hop.Transport = TransportProto(stringutils.UCase(strings.TrimSpace(protoParts[2])))
	if !hop.Transport.IsValid() {
		return hop, errtrace.Wrap(NewValidationError(FieldVia, StatusBadRequest, "malformed Via: unknown transport"))
	}

	rest = strings.TrimSpace(rest)
	sentBy := rest
	if i := indexParamSep(rest); i >= 0 {
		sentBy = rest[:i]
		hop.Params = parseParams(rest[i+1:])
	}
	addr, err := common.ParseAddr(strings.TrimSpace(sentBy))
	if err != nil {
		return hop, errtrace.Wrap(NewValidationError(FieldVia, StatusBadRequest, "malformed Via: bad sent-by"))
	}
	hop.Addr = addr
	return hop, nil
}

// indexParamSep finds the first top-level ';' outside brackets and quotes.
func indexParamSep(s string) int {
	var quoted bool
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case ';':
			if !quoted && depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseParams(s string) common.Values {
	vals := make(common.Values)
	for part := range strings.SplitSeq(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			vals.Append(strings.TrimSpace(k), strings.Trim(strings.TrimSpace(v), "\""))
		} else {
			vals.Append(part, "")
		}
	}
	return vals
}

func parseCSeq(value string) (header.CSeq, error) {
	seq, method, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return header.CSeq{}, errtrace.Wrap(NewValidationError(FieldCSeq, StatusBadRequest, "malformed CSeq"))
	}
	n, err := strconv.ParseUint(strings.TrimSpace(seq), 10, 32)
	if err != nil {
		return header.CSeq{}, errtrace.Wrap(NewValidationError(FieldCSeq, StatusBadRequest, "malformed CSeq number"))
	}
	m := RequestMethod(strings.TrimSpace(method))
	if !m.IsValid() {
		return header.CSeq{}, errtrace.Wrap(NewValidationError(FieldCSeq, StatusBadRequest, "malformed CSeq method"))
	}
	return header.CSeq{Seq: uint32(n), Method: m.Canonic()}, nil
}

func parseContact(value string) (header.Contact, error) {
	if strings.TrimSpace(value) == "*" {
		return header.Contact{{NameAddr: header.NameAddr{Uri: uri.Wildcard{}}}}, nil
	}
	var contact header.Contact
	for _, part := range splitCommaList(value) {
		na, err := parseNameAddr(part)
		if err != nil {
			return nil, errtrace.Wrap(NewValidationError(FieldContact, StatusBadRequest, err.Error()))
		}
		contact = append(contact, header.ContactEntry{NameAddr: na})
	}
	if len(contact) == 0 {
		return nil, errtrace.Wrap(NewValidationError(FieldContact, StatusBadRequest, "empty Contact header"))
	}
	return contact, nil
}

func parseRouteEntries(value string) ([]header.RouteEntry, error) {
	var entries []header.RouteEntry
	for _, part := range splitCommaList(value) {
		na, err := parseNameAddr(part)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		entries = append(entries, header.RouteEntry{NameAddr: na})
	}
	if len(entries) == 0 {
		return nil, errtrace.Wrap(errtrace.New("empty route header"))
	}
	return entries, nil
}

// parseNameAddr parses [display-name] <uri> ;params or the addr-spec form.
// Without angle brackets, parameters after the URI belong to the header.
func parseNameAddr(s string) (header.NameAddr, error) {
	var na header.NameAddr
	s = strings.TrimSpace(s)
	if s == "" {
		return na, errtrace.Wrap(errtrace.New("empty address"))
	}

	if open := strings.IndexByte(s, '<'); open >= 0 {
		closing := strings.IndexByte(s[open:], '>')
		if closing < 0 {
			return na, errtrace.Wrap(errtrace.New("unterminated angle bracket"))
		}
		closing += open
		display := strings.TrimSpace(s[:open])
		na.DisplayName = strings.Trim(display, "\"")
		u, err := uri.Parse(s[open+1 : closing])
		if err != nil {
			return na, errtrace.Wrap(err)
		}
		na.Uri = u
		if rest := strings.TrimSpace(s[closing+1:]); rest != "" {
			rest = strings.TrimPrefix(rest, ";")
			na.Params = parseParams(rest)
		}
		return na, nil
	}

	// addr-spec form: header params follow the first top-level semicolon.
	addrSpec := s
	if i := indexParamSep(s); i >= 0 {
		addrSpec = s[:i]
		na.Params = parseParams(s[i+1:])
	}
	u, err := uri.Parse(strings.TrimSpace(addrSpec))
	if err != nil {
		return na, errtrace.Wrap(err)
	}
	na.Uri = u
	return na, nil
}
