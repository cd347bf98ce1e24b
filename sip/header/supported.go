package header

import (
	"io"
	"slices"
	"strings"
)

// Supported is the "Supported" header: extensions the sender understands.
type Supported []string

func (Supported) CanonicName() Name { return "Supported" }

func (hdr Supported) RenderTo(w io.Writer) error {
	if hdr == nil {
		return nil
	}
	return renderTokenList(w, hdr.CanonicName(), hdr)
}

func (hdr Supported) Render() string {
	if hdr == nil {
		return ""
	}
	return string(hdr.CanonicName()) + ": " + hdr.String()
}

func (hdr Supported) String() string { return strings.Join(hdr, ", ") }

func (hdr Supported) Clone() Header { return Supported(slices.Clone(hdr)) }

func (hdr Supported) Equal(val any) bool {
	switch v := val.(type) {
	case Supported:
		return tokenListEqual(hdr, v)
	case *Supported:
		return v != nil && tokenListEqual(hdr, *v)
	}
	return false
}

// IsValid allows the empty list: "Supported:" with no extensions is legal.
func (hdr Supported) IsValid() bool {
	return !slices.ContainsFunc(hdr, func(t string) bool {
		return t == "" || strings.ContainsAny(t, " \t\r\n,")
	})
}
