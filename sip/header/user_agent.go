package header

import "io"

// UserAgent is the "User-Agent" header.
type UserAgent string

func (UserAgent) CanonicName() Name { return "User-Agent" }

func (hdr UserAgent) RenderTo(w io.Writer) error {
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	_, err := io.WriteString(w, string(hdr))
	return err
}

func (hdr UserAgent) Render() string { return string(hdr.CanonicName()) + ": " + string(hdr) }

func (hdr UserAgent) String() string { return string(hdr) }

func (hdr UserAgent) Clone() Header { return hdr }

func (hdr UserAgent) Equal(val any) bool {
	switch v := val.(type) {
	case UserAgent:
		return hdr == v
	case *UserAgent:
		return v != nil && hdr == *v
	}
	return false
}

func (hdr UserAgent) IsValid() bool { return hdr != "" }
