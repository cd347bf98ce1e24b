package sip

import (
	"net/netip"
	"strings"

	"github.com/ghettovoice/sipcore/sip/common"
	"github.com/ghettovoice/sipcore/sip/header"
	"github.com/ghettovoice/sipcore/sip/uri"
)

// RequestHeaderHook customizes an outbound request before the default
// rewrite. A non-nil returned envelope replaces the request's headers;
// the default rewrite still runs afterwards so placeholders get
// substituted either way.
type RequestHeaderHook func(local, remote Endpoint, req *Request) *header.Headers

// ResponseHeaderHook customizes an outbound response before the default
// rewrite.
type ResponseHeaderHook func(local, remote Endpoint, res *Response) *header.Headers

// rewriteOutboundRequest substitutes the selected local endpoint into the
// self-referential headers of a request about to hit the wire:
//   - a placeholder (wildcard) top Via host/port becomes the local endpoint,
//     and its transport parameter follows the selected protocol;
//   - a placeholder From URI host becomes the local endpoint;
//   - the Contact URI follows contactHost when configured, otherwise a
//     placeholder host becomes the local endpoint; its scheme and transport
//     are coerced to match the send protocol.
func rewriteOutboundRequest(local Endpoint, req *Request, contactHost string) {
	hs := req.Headers()

	if via, ok := hs.FirstVia(); ok {
		if (via.Addr.IsZero() || via.Addr.IsWildcard()) && local.IP.IsValid() {
			via.Addr = common.HostPort(local.IP.String(), local.Port)
		}
		via.Transport = local.Proto
	}

	if from, ok := hs.From(); ok {
		if su, ok := from.Uri.(*uri.SipUri); ok && su.Addr.IsWildcard() && local.IP.IsValid() {
			su.Addr = su.Addr.WithHost(local.IP.String())
		}
	}

	rewriteContact(local, hs, contactHost)
}

// rewriteOutboundResponse fills the Contact placeholder of an outbound
// response. Via headers of a response belong to the requester and are
// never touched.
func rewriteOutboundResponse(local Endpoint, res *Response, contactHost string) {
	rewriteContact(local, res.Headers(), contactHost)
}

func rewriteContact(local Endpoint, hs *header.Headers, contactHost string) {
	cnt, ok := hs.FirstContact()
	if !ok {
		return
	}
	su, ok := cnt.Uri.(*uri.SipUri)
	if !ok {
		return
	}

	switch {
	case contactHost != "":
		// A configured contact host wins; the local port is appended only
		// when the host parses as an IP literal.
		if addr, err := netip.ParseAddr(contactHost); err == nil {
			su.Addr = common.HostPort(addr.String(), local.Port)
		} else {
			su.Addr = common.Host(contactHost)
		}
	case su.Addr.IsWildcard() || su.Addr.IsZero():
		if local.IP.IsValid() {
			su.Addr = common.HostPort(local.IP.String(), local.Port)
		}
	}

	su.Sips = local.Proto.IsSecured()
	if su.Params == nil {
		su.Params = make(common.Values)
	}
	switch local.Proto {
	case TransportUDP:
		su.Params.Del("transport")
	default:
		su.Params.Set("transport", strings.ToLower(local.Proto.String()))
	}
}

// preprocessRoutes applies the RFC 3261 Section 12.2.1.1 / 16.4 Route
// rewrites to a received request:
//  1. a Request-URI carrying our address and the lr parameter means the
//     previous hop was a strict router: the last Route entry is popped
//     back into the Request-URI;
//  2. a top Route naming this stack is consumed into the received route;
//  3. otherwise, a top Route without lr (strict router ahead) is swapped
//     with the Request-URI and the old Request-URI goes to the bottom of
//     the route set.
//
// Applying it to a request without Route headers is a no-op.
func preprocessRoutes(req *Request, isLocal func(common.Addr) bool) {
	fromStrict := false

	// Step 1: undo strict routing of the previous hop.
	if su, ok := req.RequestURI().(*uri.SipUri); ok && su.IsLooseRouter() && isLocal(su.Addr) {
		route := req.Headers().Route()
		if n := len(route); n > 0 {
			last := route[n-1]
			req.SetRequestURI(last.Uri)
			route = route[:n-1]
			if len(route) == 0 {
				req.Headers().Del("Route")
			} else {
				req.Headers().Set(route)
			}
			fromStrict = true
		}
	}

	// Step 2: consume our own top Route.
	if route := req.Headers().Route(); len(route) > 0 {
		if su, ok := route[0].Uri.(*uri.SipUri); ok && isLocal(su.Addr) {
			req.recvRoute = append(req.recvRoute, route[0])
			route = route[1:]
			if len(route) == 0 {
				req.Headers().Del("Route")
			} else {
				req.Headers().Set(route)
			}
		}
	}

	// Step 3: prepare for a strict router ahead.
	if fromStrict {
		return
	}
	if route := req.Headers().Route(); len(route) > 0 {
		if su, ok := route[0].Uri.(*uri.SipUri); ok && !su.IsLooseRouter() {
			oldURI := req.RequestURI()
			req.SetRequestURI(route[0].Uri)
			route = append(route[1:], header.RouteEntry{NameAddr: header.NameAddr{Uri: oldURI}})
			req.Headers().Set(route)
		}
	}
}
