package header

import (
	"io"
	"strings"
)

// CallID is the "Call-ID" header.
type CallID string

func (CallID) CanonicName() Name { return "Call-ID" }

func (hdr CallID) RenderTo(w io.Writer) error {
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	_, err := io.WriteString(w, string(hdr))
	return err
}

func (hdr CallID) Render() string { return string(hdr.CanonicName()) + ": " + string(hdr) }

func (hdr CallID) String() string { return string(hdr) }

func (hdr CallID) Clone() Header { return hdr }

func (hdr CallID) Equal(val any) bool {
	switch v := val.(type) {
	case CallID:
		return string(hdr) == string(v)
	case *CallID:
		return v != nil && string(hdr) == string(*v)
	}
	return false
}

// IsValid reports whether the value is a plausible callid / word [ "@" word ].
func (hdr CallID) IsValid() bool {
	return hdr != "" && !strings.ContainsAny(string(hdr), " \t\r\n")
}
