package header

import (
	"io"
	"slices"
	"strings"
)

func renderTokenList(w io.Writer, name Name, tokens []string) error {
	if err := renderName(w, name); err != nil {
		return err
	}
	_, err := io.WriteString(w, strings.Join(tokens, ", "))
	return err
}

func tokenListEqual(l1, l2 []string) bool {
	return slices.EqualFunc(l1, l2, strings.EqualFold)
}

func tokenListValid(tokens []string) bool {
	return len(tokens) > 0 && !slices.ContainsFunc(tokens, func(t string) bool {
		return t == "" || strings.ContainsAny(t, " \t\r\n,")
	})
}

// Require is the "Require" header: extensions the peer must support
// to process the request.
type Require []string

func (Require) CanonicName() Name { return "Require" }

func (hdr Require) RenderTo(w io.Writer) error {
	if hdr == nil {
		return nil
	}
	return renderTokenList(w, hdr.CanonicName(), hdr)
}

func (hdr Require) Render() string {
	if hdr == nil {
		return ""
	}
	return string(hdr.CanonicName()) + ": " + hdr.String()
}

func (hdr Require) String() string { return strings.Join(hdr, ", ") }

func (hdr Require) Clone() Header { return Require(slices.Clone(hdr)) }

func (hdr Require) Equal(val any) bool {
	switch v := val.(type) {
	case Require:
		return tokenListEqual(hdr, v)
	case *Require:
		return v != nil && tokenListEqual(hdr, *v)
	}
	return false
}

func (hdr Require) IsValid() bool { return tokenListValid(hdr) }
