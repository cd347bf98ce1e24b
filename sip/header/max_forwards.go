package header

import (
	"io"
	"strconv"
)

// MaxForwards is the "Max-Forwards" header.
type MaxForwards uint32

func (MaxForwards) CanonicName() Name { return "Max-Forwards" }

func (hdr MaxForwards) RenderTo(w io.Writer) error {
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	_, err := io.WriteString(w, hdr.String())
	return err
}

func (hdr MaxForwards) Render() string { return string(hdr.CanonicName()) + ": " + hdr.String() }

func (hdr MaxForwards) String() string { return strconv.FormatUint(uint64(hdr), 10) }

func (hdr MaxForwards) Clone() Header { return hdr }

func (hdr MaxForwards) Equal(val any) bool {
	switch v := val.(type) {
	case MaxForwards:
		return hdr == v
	case *MaxForwards:
		return v != nil && hdr == *v
	}
	return false
}

func (hdr MaxForwards) IsValid() bool { return hdr <= 255 }
