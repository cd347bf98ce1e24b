package header

import (
	"io"
	"strconv"
)

// Expires is the "Expires" header: a lifetime in seconds.
type Expires uint32

func (Expires) CanonicName() Name { return "Expires" }

func (hdr Expires) RenderTo(w io.Writer) error {
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	_, err := io.WriteString(w, hdr.String())
	return err
}

func (hdr Expires) Render() string { return string(hdr.CanonicName()) + ": " + hdr.String() }

func (hdr Expires) String() string { return strconv.FormatUint(uint64(hdr), 10) }

func (hdr Expires) Clone() Header { return hdr }

func (hdr Expires) Equal(val any) bool {
	switch v := val.(type) {
	case Expires:
		return hdr == v
	case *Expires:
		return v != nil && hdr == *v
	}
	return false
}

func (hdr Expires) IsValid() bool { return true }
