package header

import (
	"io"
	"strconv"
)

// ContentLength is the "Content-Length" header: the size of the body in bytes,
// counted in the body encoding.
type ContentLength uint32

func (ContentLength) CanonicName() Name { return "Content-Length" }

func (hdr ContentLength) RenderTo(w io.Writer) error {
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	_, err := io.WriteString(w, hdr.String())
	return err
}

func (hdr ContentLength) Render() string { return string(hdr.CanonicName()) + ": " + hdr.String() }

func (hdr ContentLength) String() string { return strconv.FormatUint(uint64(hdr), 10) }

func (hdr ContentLength) Clone() Header { return hdr }

func (hdr ContentLength) Equal(val any) bool {
	switch v := val.(type) {
	case ContentLength:
		return hdr == v
	case *ContentLength:
		return v != nil && hdr == *v
	}
	return false
}

func (hdr ContentLength) IsValid() bool { return true }
