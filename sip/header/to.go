package header

import (
	"io"

	"github.com/ghettovoice/sipcore/internal/stringutils"
)

// To is the "To" header.
type To struct {
	NameAddr
}

func (To) CanonicName() Name { return "To" }

// Tag returns the tag parameter, empty before the callee has tagged the dialog.
func (hdr To) Tag() string { return hdr.Params.First("tag") }

func (hdr To) RenderTo(w io.Writer) error {
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	return hdr.NameAddr.RenderTo(w)
}

func (hdr To) Render() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = hdr.RenderTo(sb)
	return sb.String()
}

func (hdr To) String() string { return hdr.NameAddr.String() }

func (hdr To) Clone() Header { return To{hdr.NameAddr.Clone()} }

func (hdr To) Equal(val any) bool {
	switch v := val.(type) {
	case To:
		return hdr.NameAddr.Equal(v.NameAddr)
	case *To:
		return v != nil && hdr.NameAddr.Equal(v.NameAddr)
	}
	return false
}

func (hdr To) IsValid() bool { return hdr.NameAddr.IsValid() }
