package header

import (
	"fmt"
	"io"

	"github.com/ghettovoice/sipcore/internal/stringutils"
)

// CSeq is the "CSeq" header: a sequence number and a method.
type CSeq struct {
	Seq    uint32
	Method RequestMethod
}

func (CSeq) CanonicName() Name { return "CSeq" }

func (hdr CSeq) RenderTo(w io.Writer) error {
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, hdr.Seq, " ", hdr.Method)
	return err
}

func (hdr CSeq) Render() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = hdr.RenderTo(sb)
	return sb.String()
}

func (hdr CSeq) String() string { return fmt.Sprint(hdr.Seq, " ", hdr.Method) }

func (hdr CSeq) Clone() Header { return hdr }

func (hdr CSeq) Equal(val any) bool {
	switch v := val.(type) {
	case CSeq:
		return hdr.Seq == v.Seq && hdr.Method.Equal(v.Method)
	case *CSeq:
		return v != nil && hdr.Seq == v.Seq && hdr.Method.Equal(v.Method)
	}
	return false
}

func (hdr CSeq) IsValid() bool { return hdr.Method.IsValid() }
