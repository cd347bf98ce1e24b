package sip

import (
	"bytes"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// StreamParser frames SIP messages out of a byte stream (TCP/TLS).
// Bytes are accumulated across arbitrary fragmentation boundaries; a message
// is complete once its header section has passed and Content-Length body
// bytes are available. Partial input is retained until the next feed.
type StreamParser struct {
	buf     bytes.Buffer
	opts    *ParseOptions
	maxSize int
}

// NewStreamParser creates a stream scanner.
// maxSize bounds a single message; 0 means [DefaultMaxMessageSize].
func NewStreamParser(opts *ParseOptions, maxSize int) *StreamParser {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &StreamParser{opts: opts, maxSize: maxSize}
}

// Pending returns the number of buffered bytes not yet framed.
func (sp *StreamParser) Pending() int { return sp.buf.Len() }

// Feed appends data to the scanner and returns every complete message
// framed so far. Keep-alive CRLF sequences between messages are skipped.
// A framing error poisons the stream; the caller should close the
// connection and drop the scanner.
func (sp *StreamParser) Feed(data []byte) ([]Message, error) {
	frames, err := sp.FeedRaw(data)
	msgs := make([]Message, 0, len(frames))
	for _, raw := range frames {
		msg, perr := ParseMessage(raw, sp.opts)
		if perr != nil {
			return msgs, errtrace.Wrap(perr)
		}
		msgs = append(msgs, msg)
	}
	return msgs, errtrace.Wrap(err)
}

// FeedRaw appends data to the scanner and returns the raw bytes of every
// complete message framed so far, leaving parsing to the caller.
func (sp *StreamParser) FeedRaw(data []byte) ([][]byte, error) {
	sp.buf.Write(data)

	var frames [][]byte
	for {
		raw, err := sp.next()
		if err != nil {
			return frames, errtrace.Wrap(err)
		}
		if raw == nil {
			return frames, nil
		}
		frames = append(frames, raw)
	}
}

// next frames one message off the buffer, or returns nil when more
// bytes are needed.
func (sp *StreamParser) next() ([]byte, error) {
	// Skip keep-alive CRLFs before the start line.
	for {
		b := sp.buf.Bytes()
		if len(b) >= 2 && b[0] == '\r' && b[1] == '\n' {
			sp.buf.Next(2)
			continue
		}
		if len(b) >= 1 && (b[0] == '\r' || b[0] == '\n') {
			sp.buf.Next(1)
			continue
		}
		break
	}

	b := sp.buf.Bytes()
	headEnd := bytes.Index(b, []byte("\r\n\r\n"))
	if headEnd < 0 {
		if sp.buf.Len() > sp.maxSize {
			return nil, errtrace.Wrap(ErrMessageTooLarge)
		}
		return nil, nil
	}

	bodyLen, err := scanContentLength(b[:headEnd])
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	total := headEnd + 4 + bodyLen
	if total > sp.maxSize {
		return nil, errtrace.Wrap(ErrMessageTooLarge)
	}
	if sp.buf.Len() < total {
		return nil, nil
	}

	raw := make([]byte, total)
	copy(raw, sp.buf.Next(total))
	return raw, nil
}

// scanContentLength extracts the Content-Length value from a raw header
// section. A stream message without Content-Length frames as bodyless,
// which is the liberal reading of RFC 3261 Section 18.3.
func scanContentLength(head []byte) (int, error) {
	for line := range strings.SplitSeq(string(head), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if !strings.EqualFold(name, "Content-Length") && name != "l" && name != "L" {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 32)
		if err != nil {
			return 0, errtrace.Wrap(NewValidationError(FieldContentLength, StatusBadRequest, "malformed Content-Length"))
		}
		return int(n), nil
	}
	return 0, nil
}
