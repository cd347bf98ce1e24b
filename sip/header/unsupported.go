package header

import (
	"io"
	"slices"
	"strings"
)

// Unsupported is the "Unsupported" header: extensions from a Require header
// the server does not support, listed in a 420 response.
type Unsupported []string

func (Unsupported) CanonicName() Name { return "Unsupported" }

func (hdr Unsupported) RenderTo(w io.Writer) error {
	if hdr == nil {
		return nil
	}
	return renderTokenList(w, hdr.CanonicName(), hdr)
}

func (hdr Unsupported) Render() string {
	if hdr == nil {
		return ""
	}
	return string(hdr.CanonicName()) + ": " + hdr.String()
}

func (hdr Unsupported) String() string { return strings.Join(hdr, ", ") }

func (hdr Unsupported) Clone() Header { return Unsupported(slices.Clone(hdr)) }

func (hdr Unsupported) Equal(val any) bool {
	switch v := val.(type) {
	case Unsupported:
		return tokenListEqual(hdr, v)
	case *Unsupported:
		return v != nil && tokenListEqual(hdr, *v)
	}
	return false
}

func (hdr Unsupported) IsValid() bool { return tokenListValid(hdr) }
