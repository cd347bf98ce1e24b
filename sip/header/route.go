package header

import (
	"io"
	"slices"

	"github.com/ghettovoice/sipcore/internal/stringutils"
)

// RouteEntry is a single Route or Record-Route header entry.
type RouteEntry struct {
	NameAddr
}

func (e RouteEntry) Clone() RouteEntry { return RouteEntry{e.NameAddr.Clone()} }

func (e RouteEntry) Equal(other RouteEntry) bool { return e.NameAddr.Equal(other.NameAddr) }

// Route is the "Route" header: the remaining route set, top entry first.
type Route []RouteEntry

func (Route) CanonicName() Name { return "Route" }

func (hdr Route) RenderTo(w io.Writer) error {
	if hdr == nil {
		return nil
	}
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	return renderHeaderEntries(w, hdr)
}

func (hdr Route) Render() string {
	if hdr == nil {
		return ""
	}
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = hdr.RenderTo(sb)
	return sb.String()
}

func (hdr Route) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	sb.WriteByte('[')
	_ = renderHeaderEntries(sb, hdr)
	sb.WriteByte(']')
	return sb.String()
}

func (hdr Route) Clone() Header { return cloneHeaderEntries(hdr) }

func (hdr Route) Equal(val any) bool {
	var other Route
	switch v := val.(type) {
	case Route:
		other = v
	case *Route:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return slices.EqualFunc(hdr, other, func(e1, e2 RouteEntry) bool { return e1.Equal(e2) })
}

func (hdr Route) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(e RouteEntry) bool { return !e.IsValid() })
}

// RecordRoute is the "Record-Route" header.
type RecordRoute []RouteEntry

func (RecordRoute) CanonicName() Name { return "Record-Route" }

func (hdr RecordRoute) RenderTo(w io.Writer) error {
	if hdr == nil {
		return nil
	}
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	return renderHeaderEntries(w, hdr)
}

func (hdr RecordRoute) Render() string {
	if hdr == nil {
		return ""
	}
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = hdr.RenderTo(sb)
	return sb.String()
}

func (hdr RecordRoute) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	sb.WriteByte('[')
	_ = renderHeaderEntries(sb, hdr)
	sb.WriteByte(']')
	return sb.String()
}

func (hdr RecordRoute) Clone() Header { return cloneHeaderEntries(hdr) }

func (hdr RecordRoute) Equal(val any) bool {
	var other RecordRoute
	switch v := val.(type) {
	case RecordRoute:
		other = v
	case *RecordRoute:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return slices.EqualFunc(hdr, other, func(e1, e2 RouteEntry) bool { return e1.Equal(e2) })
}

func (hdr RecordRoute) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(e RouteEntry) bool { return !e.IsValid() })
}
