package header

import (
	"io"
	"iter"

	"github.com/ghettovoice/sipcore/internal/stringutils"
)

// Headers is the header envelope of a SIP message: dedicated storage for the
// fields the signaling core inspects plus an ordered bag for everything else.
// The bag preserves first-seen order so unknown headers round-trip unchanged.
type Headers struct {
	via           Via
	from          *From
	to            *To
	callID        *CallID
	cseq          *CSeq
	contact       Contact
	route         Route
	recordRoute   RecordRoute
	maxForwards   *MaxForwards
	contentLength *ContentLength
	contentType   *ContentType
	expires       *Expires
	require       Require
	supported     Supported
	unsupported   Unsupported
	userAgent     *UserAgent
	others        []Any
}

// NewHeaders builds a collection from the given headers, appending in order.
func NewHeaders(hdrs ...Header) *Headers {
	hs := new(Headers)
	for _, h := range hdrs {
		hs.Append(h)
	}
	return hs
}

// Set stores the header, replacing any stored value with the same name.
func (hs *Headers) Set(h Header) {
	switch v := h.(type) {
	case Via:
		hs.via = v
	case *Via:
		hs.via = *v
	case From:
		hs.from = &v
	case *From:
		hs.from = v
	case To:
		hs.to = &v
	case *To:
		hs.to = v
	case CallID:
		hs.callID = &v
	case *CallID:
		hs.callID = v
	case CSeq:
		hs.cseq = &v
	case *CSeq:
		hs.cseq = v
	case Contact:
		hs.contact = v
	case Route:
		hs.route = v
	case RecordRoute:
		hs.recordRoute = v
	case MaxForwards:
		hs.maxForwards = &v
	case ContentLength:
		hs.contentLength = &v
	case ContentType:
		hs.contentType = &v
	case Expires:
		hs.expires = &v
	case Require:
		hs.require = v
	case Supported:
		hs.supported = v
	case Unsupported:
		hs.unsupported = v
	case UserAgent:
		hs.userAgent = &v
	case Any:
		hs.setAny(v)
	case *Any:
		hs.setAny(*v)
	}
}

func (hs *Headers) setAny(h Any) {
	name := h.CanonicName()
	kept := hs.others[:0]
	for _, o := range hs.others {
		if !o.CanonicName().Equal(name) {
			kept = append(kept, o)
		}
	}
	hs.others = append(kept, h)
}

// Append adds the header. List-valued headers are extended, scalar headers
// are replaced, unknown headers are appended to the bag.
func (hs *Headers) Append(h Header) {
	switch v := h.(type) {
	case Via:
		hs.via = append(hs.via, v...)
	case Contact:
		hs.contact = append(hs.contact, v...)
	case Route:
		hs.route = append(hs.route, v...)
	case RecordRoute:
		hs.recordRoute = append(hs.recordRoute, v...)
	case Require:
		hs.require = append(hs.require, v...)
	case Supported:
		hs.supported = append(hs.supported, v...)
	case Unsupported:
		hs.unsupported = append(hs.unsupported, v...)
	case Any:
		hs.others = append(hs.others, v)
	case *Any:
		hs.others = append(hs.others, *v)
	default:
		hs.Set(h)
	}
}

// PrependVia pushes a hop on top of the Via list.
func (hs *Headers) PrependVia(hop ViaHop) { hs.via = append(Via{hop}, hs.via...) }

// PopVia removes the top Via hop.
func (hs *Headers) PopVia() {
	if len(hs.via) > 0 {
		hs.via = hs.via[1:]
	}
}

// Via returns all Via hops, top hop first.
func (hs *Headers) Via() Via { return hs.via }

// FirstVia returns a pointer to the top Via hop for in-place edits.
func (hs *Headers) FirstVia() (*ViaHop, bool) {
	if len(hs.via) == 0 {
		return nil, false
	}
	return &hs.via[0], true
}

func (hs *Headers) From() (*From, bool) { return hs.from, hs.from != nil }

func (hs *Headers) To() (*To, bool) { return hs.to, hs.to != nil }

func (hs *Headers) CallID() (CallID, bool) {
	if hs.callID == nil {
		return "", false
	}
	return *hs.callID, true
}

func (hs *Headers) CSeq() (*CSeq, bool) { return hs.cseq, hs.cseq != nil }

func (hs *Headers) Contact() Contact { return hs.contact }

// FirstContact returns a pointer to the first Contact entry for in-place edits.
func (hs *Headers) FirstContact() (*ContactEntry, bool) {
	if len(hs.contact) == 0 {
		return nil, false
	}
	return &hs.contact[0], true
}

func (hs *Headers) Route() Route { return hs.route }

func (hs *Headers) RecordRoute() RecordRoute { return hs.recordRoute }

func (hs *Headers) MaxForwards() (MaxForwards, bool) {
	if hs.maxForwards == nil {
		return 0, false
	}
	return *hs.maxForwards, true
}

func (hs *Headers) ContentLength() (ContentLength, bool) {
	if hs.contentLength == nil {
		return 0, false
	}
	return *hs.contentLength, true
}

func (hs *Headers) ContentType() (ContentType, bool) {
	if hs.contentType == nil {
		return "", false
	}
	return *hs.contentType, true
}

func (hs *Headers) Expires() (Expires, bool) {
	if hs.expires == nil {
		return 0, false
	}
	return *hs.expires, true
}

func (hs *Headers) Require() Require { return hs.require }

func (hs *Headers) Supported() Supported { return hs.supported }

func (hs *Headers) Unsupported() Unsupported { return hs.unsupported }

func (hs *Headers) UserAgent() (UserAgent, bool) {
	if hs.userAgent == nil {
		return "", false
	}
	return *hs.userAgent, true
}

// Get returns stored headers matching the name: for typed fields at most one
// entry, for bag headers every entry in insertion order.
func (hs *Headers) Get(name Name) []Header {
	cn := name.Canonic()
	for h := range hs.all() {
		if h.CanonicName().Equal(cn) {
			switch cn {
			case "Via", "From", "To", "Call-ID", "CSeq", "Contact", "Route", "Record-Route",
				"Max-Forwards", "Content-Length", "Content-Type", "Expires", "Require",
				"Supported", "Unsupported", "User-Agent":
				return []Header{h}
			}
			break
		}
	}
	var out []Header
	for _, o := range hs.others {
		if o.CanonicName().Equal(cn) {
			out = append(out, o)
		}
	}
	return out
}

// Del removes all headers with the given name.
func (hs *Headers) Del(name Name) {
	switch name.Canonic() {
	case "Via":
		hs.via = nil
	case "From":
		hs.from = nil
	case "To":
		hs.to = nil
	case "Call-ID":
		hs.callID = nil
	case "CSeq":
		hs.cseq = nil
	case "Contact":
		hs.contact = nil
	case "Route":
		hs.route = nil
	case "Record-Route":
		hs.recordRoute = nil
	case "Max-Forwards":
		hs.maxForwards = nil
	case "Content-Length":
		hs.contentLength = nil
	case "Content-Type":
		hs.contentType = nil
	case "Expires":
		hs.expires = nil
	case "Require":
		hs.require = nil
	case "Supported":
		hs.supported = nil
	case "Unsupported":
		hs.unsupported = nil
	case "User-Agent":
		hs.userAgent = nil
	default:
		cn := name.Canonic()
		kept := hs.others[:0]
		for _, o := range hs.others {
			if !o.CanonicName().Equal(cn) {
				kept = append(kept, o)
			}
		}
		hs.others = kept
	}
}

// all iterates stored headers in canonical render order:
// Via, From, To, Call-ID, CSeq, Max-Forwards, Contact, Route, Record-Route,
// Content-Length, Content-Type, remaining known headers alphabetically,
// then the bag in insertion order.
func (hs *Headers) all() iter.Seq[Header] {
	return func(yield func(Header) bool) {
		if hs.via != nil && !yield(hs.via) {
			return
		}
		if hs.from != nil && !yield(*hs.from) {
			return
		}
		if hs.to != nil && !yield(*hs.to) {
			return
		}
		if hs.callID != nil && !yield(*hs.callID) {
			return
		}
		if hs.cseq != nil && !yield(*hs.cseq) {
			return
		}
		if hs.maxForwards != nil && !yield(*hs.maxForwards) {
			return
		}
		if hs.contact != nil && !yield(hs.contact) {
			return
		}
		if hs.route != nil && !yield(hs.route) {
			return
		}
		if hs.recordRoute != nil && !yield(hs.recordRoute) {
			return
		}
		if hs.contentLength != nil && !yield(*hs.contentLength) {
			return
		}
		if hs.contentType != nil && !yield(*hs.contentType) {
			return
		}
		if hs.expires != nil && !yield(*hs.expires) {
			return
		}
		if hs.require != nil && !yield(hs.require) {
			return
		}
		if hs.supported != nil && !yield(hs.supported) {
			return
		}
		if hs.unsupported != nil && !yield(hs.unsupported) {
			return
		}
		if hs.userAgent != nil && !yield(*hs.userAgent) {
			return
		}
		for _, o := range hs.others {
			if !yield(o) {
				return
			}
		}
	}
}

// All iterates stored headers in canonical render order.
func (hs *Headers) All() iter.Seq[Header] { return hs.all() }

// Len returns the number of stored header fields.
func (hs *Headers) Len() int {
	n := 0
	for range hs.all() {
		n++
	}
	return n
}

// RenderTo writes every header in canonical order, each followed by CRLF.
func (hs *Headers) RenderTo(w io.Writer) error {
	for h := range hs.all() {
		if err := h.RenderTo(w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
	}
	return nil
}

func (hs *Headers) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = hs.RenderTo(sb)
	return sb.String()
}

// Clone returns a deep copy of the collection.
func (hs *Headers) Clone() *Headers {
	hs2 := new(Headers)
	for h := range hs.all() {
		hs2.Append(h.Clone())
	}
	return hs2
}

// Equal compares two collections field by field.
func (hs *Headers) Equal(other *Headers) bool {
	if hs == nil || other == nil {
		return hs == other
	}
	if hs.Len() != other.Len() {
		return false
	}
	next, stop := iter.Pull(other.all())
	defer stop()
	for h := range hs.all() {
		oh, ok := next()
		if !ok || !h.Equal(oh) {
			return false
		}
	}
	return true
}
