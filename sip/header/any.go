package header

import (
	"io"
	"strings"
)

// Any is a header this package has no dedicated type for.
// The value is kept as raw text and rendered back unchanged,
// so unknown headers survive a parse/render round trip.
type Any struct {
	HeaderName Name
	Value      string
}

func (hdr Any) CanonicName() Name { return hdr.HeaderName.Canonic() }

func (hdr Any) RenderTo(w io.Writer) error {
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	_, err := io.WriteString(w, hdr.Value)
	return err
}

func (hdr Any) Render() string { return string(hdr.CanonicName()) + ": " + hdr.Value }

func (hdr Any) String() string { return hdr.Value }

func (hdr Any) Clone() Header { return hdr }

func (hdr Any) Equal(val any) bool {
	switch v := val.(type) {
	case Any:
		return hdr.HeaderName.Equal(v.HeaderName) && hdr.Value == v.Value
	case *Any:
		return v != nil && hdr.HeaderName.Equal(v.HeaderName) && hdr.Value == v.Value
	}
	return false
}

func (hdr Any) IsValid() bool {
	return hdr.HeaderName != "" && !strings.ContainsAny(string(hdr.HeaderName), " \t:")
}
