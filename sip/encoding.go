package sip

import (
	"unicode/utf8"

	"braces.dev/errtrace"
	"golang.org/x/text/encoding/charmap"
)

// Encoding selects the text encoding of SIP header text or body bytes.
// Header and body encodings are configured independently; the body
// defaults to the header encoding.
type Encoding string

const (
	// EncodingUTF8 is the default encoding.
	EncodingUTF8 Encoding = "utf-8"
	// EncodingLatin1 is the legacy ISO-8859-1 encoding kept for interop
	// with equipment predating RFC 3261.
	EncodingLatin1 Encoding = "iso-8859-1"
)

func (e Encoding) orDefault() Encoding {
	if e == "" {
		return EncodingUTF8
	}
	return e
}

// Decode converts raw wire bytes into a Go string.
func (e Encoding) Decode(raw []byte) (string, error) {
	switch e.orDefault() {
	case EncodingLatin1:
		return errtrace.Wrap2(charmap.ISO8859_1.NewDecoder().String(string(raw)))
	default:
		if !utf8.Valid(raw) {
			return "", errtrace.Wrap(errInvalidUTF8)
		}
		return string(raw), nil
	}
}

// Encode converts a Go string into wire bytes.
func (e Encoding) Encode(s string) ([]byte, error) {
	switch e.orDefault() {
	case EncodingLatin1:
		out, err := charmap.ISO8859_1.NewEncoder().String(s)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		return []byte(out), nil
	default:
		return []byte(s), nil
	}
}

var errInvalidUTF8 = errtrace.New("invalid UTF-8 sequence")
