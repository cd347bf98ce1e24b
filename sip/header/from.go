package header

import (
	"io"

	"github.com/ghettovoice/sipcore/internal/stringutils"
)

// From is the "From" header.
type From struct {
	NameAddr
}

func (From) CanonicName() Name { return "From" }

// Tag returns the tag parameter.
func (hdr From) Tag() string { return hdr.Params.First("tag") }

func (hdr From) RenderTo(w io.Writer) error {
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	return hdr.NameAddr.RenderTo(w)
}

func (hdr From) Render() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = hdr.RenderTo(sb)
	return sb.String()
}

func (hdr From) String() string { return hdr.NameAddr.String() }

func (hdr From) Clone() Header { return From{hdr.NameAddr.Clone()} }

func (hdr From) Equal(val any) bool {
	switch v := val.(type) {
	case From:
		return hdr.NameAddr.Equal(v.NameAddr)
	case *From:
		return v != nil && hdr.NameAddr.Equal(v.NameAddr)
	}
	return false
}

func (hdr From) IsValid() bool { return hdr.NameAddr.IsValid() }
