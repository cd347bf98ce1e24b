package header

import (
	"io"
	"strings"
)

// ContentType is the "Content-Type" header, e.g. "application/sdp".
type ContentType string

func (ContentType) CanonicName() Name { return "Content-Type" }

func (hdr ContentType) RenderTo(w io.Writer) error {
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	_, err := io.WriteString(w, string(hdr))
	return err
}

func (hdr ContentType) Render() string { return string(hdr.CanonicName()) + ": " + string(hdr) }

func (hdr ContentType) String() string { return string(hdr) }

func (hdr ContentType) Clone() Header { return hdr }

func (hdr ContentType) Equal(val any) bool {
	switch v := val.(type) {
	case ContentType:
		return strings.EqualFold(string(hdr), string(v))
	case *ContentType:
		return v != nil && strings.EqualFold(string(hdr), string(*v))
	}
	return false
}

func (hdr ContentType) IsValid() bool { return strings.Count(string(hdr), "/") == 1 }
