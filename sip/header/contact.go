package header

import (
	"io"
	"slices"

	"github.com/ghettovoice/sipcore/internal/stringutils"
	"github.com/ghettovoice/sipcore/sip/uri"
)

// Contact is the "Contact" header: a list of contact addresses.
// The wildcard form "Contact: *" is a single entry with a [uri.Wildcard] URI.
type Contact []ContactEntry

func (Contact) CanonicName() Name { return "Contact" }

func (hdr Contact) RenderTo(w io.Writer) error {
	if hdr == nil {
		return nil
	}
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	return renderHeaderEntries(w, hdr)
}

func (hdr Contact) Render() string {
	if hdr == nil {
		return ""
	}
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = hdr.RenderTo(sb)
	return sb.String()
}

func (hdr Contact) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	sb.WriteByte('[')
	_ = renderHeaderEntries(sb, hdr)
	sb.WriteByte(']')
	return sb.String()
}

func (hdr Contact) Clone() Header { return cloneHeaderEntries(hdr) }

func (hdr Contact) Equal(val any) bool {
	var other Contact
	switch v := val.(type) {
	case Contact:
		other = v
	case *Contact:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return slices.EqualFunc(hdr, other, func(e1, e2 ContactEntry) bool { return e1.Equal(e2) })
}

func (hdr Contact) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(e ContactEntry) bool { return !e.IsValid() })
}

// IsWildcard reports whether the header is the special "Contact: *" form.
func (hdr Contact) IsWildcard() bool {
	if len(hdr) != 1 {
		return false
	}
	_, ok := hdr[0].Uri.(uri.Wildcard)
	return ok
}

// ContactEntry is a single Contact header entry.
type ContactEntry struct {
	NameAddr
}

func (e ContactEntry) RenderTo(w io.Writer) error {
	if _, ok := e.Uri.(uri.Wildcard); ok {
		_, err := io.WriteString(w, "*")
		return err
	}
	return e.NameAddr.RenderTo(w)
}

func (e ContactEntry) Clone() ContactEntry { return ContactEntry{e.NameAddr.Clone()} }

func (e ContactEntry) Equal(other ContactEntry) bool { return e.NameAddr.Equal(other.NameAddr) }

// Q returns the q parameter, empty when absent.
func (e ContactEntry) Q() string { return e.Params.First("q") }

func (e ContactEntry) IsValid() bool {
	if _, ok := e.Uri.(uri.Wildcard); ok {
		return true
	}
	return e.NameAddr.IsValid()
}
