package header

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/ghettovoice/sipcore/internal/stringutils"
)

// RFC3261BranchMagicCookie is the leading token of an RFC 3261 compliant
// Via branch parameter.
const RFC3261BranchMagicCookie = "z9hG4bK"

// Via is the "Via" header: an ordered list of hops, top hop first.
type Via []ViaHop

func (Via) CanonicName() Name { return "Via" }

func (hdr Via) RenderTo(w io.Writer) error {
	if hdr == nil {
		return nil
	}
	if err := renderName(w, hdr.CanonicName()); err != nil {
		return err
	}
	return hdr.renderValue(w)
}

func (hdr Via) renderValue(w io.Writer) error { return renderHeaderEntries(w, hdr) }

func (hdr Via) Render() string {
	if hdr == nil {
		return ""
	}
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = hdr.RenderTo(sb)
	return sb.String()
}

func (hdr Via) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	sb.WriteByte('[')
	_ = hdr.renderValue(sb)
	sb.WriteByte(']')
	return sb.String()
}

func (hdr Via) Clone() Header { return hdr.CloneVia() }

func (hdr Via) CloneVia() Via { return cloneHeaderEntries(hdr) }

func (hdr Via) Equal(val any) bool {
	var other Via
	switch v := val.(type) {
	case Via:
		other = v
	case *Via:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return slices.EqualFunc(hdr, other, func(hop1, hop2 ViaHop) bool { return hop1.Equal(hop2) })
}

func (hdr Via) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(hop ViaHop) bool { return !hop.IsValid() })
}

// ViaHop is a single Via header entry: protocol, transport, sent-by address
// and parameters (branch, received, rport, ...).
type ViaHop struct {
	Proto     ProtoInfo
	Transport TransportProto
	Addr      Addr
	Params    Values
}

func (hop ViaHop) RenderTo(w io.Writer) error {
	if _, err := fmt.Fprint(w, hop.Proto, "/", hop.Transport, " ", hop.Addr); err != nil {
		return err
	}
	return renderHeaderParams(w, hop.Params)
}

func (hop ViaHop) String() string {
	sb := stringutils.NewStrBldr()
	defer stringutils.FreeStrBldr(sb)
	_ = hop.RenderTo(sb)
	return sb.String()
}

// Branch returns the branch parameter.
func (hop ViaHop) Branch() string { return hop.Params.First("branch") }

// HasRFC3261Branch reports whether the branch parameter begins with the
// z9hG4bK magic cookie.
func (hop ViaHop) HasRFC3261Branch() bool {
	br := hop.Branch()
	return len(br) > len(RFC3261BranchMagicCookie) &&
		br[:len(RFC3261BranchMagicCookie)] == RFC3261BranchMagicCookie
}

// Received returns the received parameter.
func (hop ViaHop) Received() string { return hop.Params.First("received") }

// RPort returns the rport parameter value and whether the parameter is present.
func (hop ViaHop) RPort() (uint16, bool) {
	if !hop.Params.Has("rport") {
		return 0, false
	}
	port, _ := strconv.Atoi(hop.Params.First("rport"))
	return uint16(port), true
}

func (hop ViaHop) Equal(val any) bool {
	var other ViaHop
	switch v := val.(type) {
	case ViaHop:
		other = v
	case *ViaHop:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return hop.Proto.Equal(other.Proto) &&
		hop.Transport.Equal(other.Transport) &&
		hop.Addr.Equal(other.Addr) &&
		compareHeaderParams(hop.Params, other.Params, map[string]bool{
			"maddr":    true,
			"ttl":      true,
			"received": true,
			"branch":   true,
		})
}

func (hop ViaHop) IsValid() bool {
	return hop.Proto.IsValid() &&
		hop.Transport.IsValid() &&
		!hop.Addr.IsZero() &&
		validateHeaderParams(hop.Params)
}

func (hop ViaHop) IsZero() bool {
	return hop.Proto.IsZero() &&
		hop.Transport == "" &&
		hop.Addr.IsZero() &&
		len(hop.Params) == 0
}

func (hop ViaHop) Clone() ViaHop {
	hop.Addr = hop.Addr.Clone()
	hop.Params = hop.Params.Clone()
	return hop
}
