package sip

import (
	"context"
	"net/netip"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/sip/header"
	"github.com/ghettovoice/sipcore/sip/uri"
)

// SendRequest resolves the request's destination, selects a channel,
// rewrites self-referential headers and writes the request to the wire.
// It implements [Sender] for the transaction engine.
//
// With a cold DNS cache and opts.WaitForDNS unset, resolution is kicked
// off in the background and [ErrInProgress] is returned; the transaction
// retransmit schedule re-drives the send against a warm cache.
func (tpl *TransportLayer) SendRequest(ctx context.Context, req *Request, opts *SendOptions) error {
	if opts == nil {
		opts = &SendOptions{}
	}
	if _, ok := req.Headers().FirstVia(); !ok {
		return errtrace.Wrap(NewValidationError(FieldVia, StatusBadRequest, "request without top Via"))
	}

	dst, err := tpl.resolveRequestDestination(ctx, req, opts)
	if err != nil {
		return errtrace.Wrap(err)
	}
	req.SetRemoteEndpoint(dst)

	kind := TraceRequestOut
	if opts.Retransmit {
		kind = TraceRequestRetransmit
	}

	if dst.IsBlackhole() {
		// Blackhole sends succeed silently without wire activity.
		tpl.trace(TraceEvent{Kind: kind, Local: req.LocalEndpoint(), Remote: dst, Msg: req})
		return nil
	}

	ch, err := tpl.selectChannel(ctx, dst, opts.ChannelIDHint, false)
	if err != nil {
		return errtrace.Wrap(err)
	}

	canInitiate := opts.CanInitiateConn || !opts.Retransmit
	local, dst, err := tpl.pinLocalEndpoint(ctx, ch, dst, canInitiate)
	if err != nil {
		return errtrace.Wrap(&TransportError{Op: "connect", Err: err})
	}
	req.SetLocalEndpoint(local)
	req.SetRemoteEndpoint(dst)

	if hook := tpl.opts.CustomizeRequestHeader; hook != nil {
		if hs := hook(local, dst, req); hs != nil {
			req.headers = hs
		}
	}
	rewriteOutboundRequest(local, req, tpl.opts.ContactHost)

	raw, err := tpl.encodeMessage(req)
	if err != nil {
		return errtrace.Wrap(err)
	}

	connID, err := ch.Send(ctx, dst, raw, canInitiate, dst.ConnID)
	if err != nil {
		return errtrace.Wrap(&TransportError{Op: "send request", Err: err})
	}
	if connID != "" {
		dst.ConnID = connID
		req.SetRemoteEndpoint(dst)
	}

	tpl.trace(TraceEvent{Kind: kind, Local: local, Remote: dst, Msg: req})
	if tpl.opts.Stats != nil {
		tpl.opts.Stats.RecordRequestOut(local)
	}
	return nil
}

// SendResponse sends a response back along the top Via per RFC 3261
// Section 18.2.2: received/rport parameters win over the sent-by address.
// It implements [Sender] for the transaction engine.
func (tpl *TransportLayer) SendResponse(ctx context.Context, res *Response, opts *SendOptions) error {
	if opts == nil {
		opts = &SendOptions{}
	}
	via, ok := res.Headers().FirstVia()
	if !ok {
		return errtrace.Wrap(NewValidationError(FieldVia, StatusBadRequest, "response without top Via"))
	}

	dst, err := tpl.resolveResponseDestination(ctx, res, via.Clone(), opts)
	if err != nil {
		return errtrace.Wrap(err)
	}
	res.SetRemoteEndpoint(dst)

	kind := TraceResponseOut
	if opts.Retransmit {
		kind = TraceResponseRetransmit
	}

	if dst.IsBlackhole() {
		tpl.trace(TraceEvent{Kind: kind, Local: res.LocalEndpoint(), Remote: dst, Msg: res})
		return nil
	}

	hint := opts.ChannelIDHint
	if hint == "" {
		// Responses go out the channel the request came in on.
		hint = res.LocalEndpoint().ChannelID
	}
	ch, err := tpl.selectChannel(ctx, dst, hint, true)
	if err != nil {
		return errtrace.Wrap(err)
	}

	local, dst, err := tpl.pinLocalEndpoint(ctx, ch, dst, false)
	if err != nil {
		return errtrace.Wrap(&TransportError{Op: "connect", Err: err})
	}
	res.SetLocalEndpoint(local)
	res.SetRemoteEndpoint(dst)

	if hook := tpl.opts.CustomizeResponseHeader; hook != nil {
		if hs := hook(local, dst, res); hs != nil {
			res.headers = hs
		}
	}
	rewriteOutboundResponse(local, res, tpl.opts.ContactHost)

	raw, err := tpl.encodeMessage(res)
	if err != nil {
		return errtrace.Wrap(err)
	}

	if _, err := ch.Send(ctx, dst, raw, false, dst.ConnID); err != nil {
		return errtrace.Wrap(&TransportError{Op: "send response", Err: err})
	}

	tpl.trace(TraceEvent{Kind: kind, Local: local, Remote: dst, Msg: res})
	if tpl.opts.Stats != nil {
		tpl.opts.Stats.RecordResponseOut(local)
	}
	return nil
}

// pinLocalEndpoint fixes the local endpoint the message will leave from.
// Connection-oriented channels establish the session first so the true
// connection-local address lands in the self-referential headers;
// wildcard binds are pinned to the OS preferred source for dst.
func (tpl *TransportLayer) pinLocalEndpoint(ctx context.Context, ch Channel, dst Endpoint, canInitiate bool) (Endpoint, Endpoint, error) {
	var local Endpoint
	if cc, ok := ch.(ConnectionChannel); ok {
		connID, laddr, err := cc.EnsureConn(ctx, dst, canInitiate, dst.ConnID)
		if err != nil {
			return Endpoint{}, dst, errtrace.Wrap(err)
		}
		dst.ConnID = connID
		local = EndpointFromAddrPort(dst.Proto, laddr)
	} else {
		local = EndpointFromAddrPort(dst.Proto, concreteLocalAddr(ch.LocalAddr(), dst.IP))
	}
	local.ChannelID = ch.ID()
	return local, dst, nil
}

// encodeMessage renders the message and converts header text to the
// configured wire encoding.
func (tpl *TransportLayer) encodeMessage(msg Message) ([]byte, error) {
	raw := msg.Render()
	if tpl.opts.HeaderEncoding.orDefault() == EncodingUTF8 {
		return raw, nil
	}
	return errtrace.Wrap2(tpl.opts.HeaderEncoding.Encode(string(raw)))
}

// resolveRequestDestination determines where a request goes: an already
// resolved remote endpoint wins, otherwise the next-hop URI (top loose
// Route, else the Request-URI) is taken apart per RFC 3263.
func (tpl *TransportLayer) resolveRequestDestination(ctx context.Context, req *Request, opts *SendOptions) (Endpoint, error) {
	if ep := req.RemoteEndpoint(); ep.IP.IsValid() {
		if ep.Proto == "" {
			ep.Proto = TransportUDP
		}
		return ep, nil
	}

	target := req.RequestURI()
	if route := req.Headers().Route(); len(route) > 0 {
		if su, ok := route[0].Uri.(*uri.SipUri); ok && su.IsLooseRouter() {
			target = route[0].Uri
		}
	}
	su, ok := target.(*uri.SipUri)
	if !ok {
		return Endpoint{}, errtrace.Wrap(NewValidationError(FieldStartLine, StatusBadRequest, "unroutable target URI"))
	}

	proto := req.RemoteEndpoint().Proto
	if proto == "" {
		switch {
		case su.Params.Has("transport"):
			proto = TransportProto(strings.ToUpper(su.Params.First("transport")))
		case su.Sips:
			proto = TransportTLS
		default:
			proto = TransportUDP
		}
	}

	port := su.Addr.PortOr(defaultPort(proto))

	ip, err := tpl.resolveHost(ctx, su.Addr.Host(), opts.WaitForDNS)
	if err != nil {
		return Endpoint{}, errtrace.Wrap(err)
	}
	ep := Endpoint{Proto: proto, IP: ip, Port: port, ConnID: req.RemoteEndpoint().ConnID}
	return ep, nil
}

// resolveResponseDestination picks the response target from the top Via.
func (tpl *TransportLayer) resolveResponseDestination(ctx context.Context, res *Response, via header.ViaHop, opts *SendOptions) (Endpoint, error) {
	proto := via.Transport
	if proto == "" {
		proto = res.RemoteEndpoint().Proto
	}

	host := via.Addr.Host()
	if received := via.Received(); received != "" {
		host = received
	}
	port := via.Addr.PortOr(defaultPort(proto))
	if rport, ok := via.RPort(); ok && rport > 0 {
		port = rport
	}

	// A response to a live remote endpoint reuses it; the Via is only
	// consulted when the envelope lost the origin.
	if ep := res.RemoteEndpoint(); ep.IP.IsValid() {
		if ep.Proto == "" {
			ep.Proto = proto
		}
		return ep, nil
	}

	ip, err := tpl.resolveHost(ctx, host, opts.WaitForDNS)
	if err != nil {
		return Endpoint{}, errtrace.Wrap(err)
	}
	return Endpoint{Proto: proto, IP: ip, Port: port, ConnID: res.RemoteEndpoint().ConnID}, nil
}

func defaultPort(proto TransportProto) uint16 {
	switch proto {
	case TransportTLS, TransportWSS:
		return 5061
	case TransportWS:
		return 80
	default:
		return 5060
	}
}

// resolveHost turns a host into an IP using the resolver capability.
// Happy path: cache hit. Cache miss kicks async resolution and reports
// [ErrInProgress] unless wait is set, in which case it blocks.
func (tpl *TransportLayer) resolveHost(ctx context.Context, host string, wait bool) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}
	rsv := tpl.opts.Resolver
	if rsv == nil {
		return netip.Addr{}, errtrace.Wrap(ErrHostNotFound)
	}

	preferV6 := tpl.opts.PreferIPv6NameResolution
	if addr, found, negative := rsv.ResolveFromCache(host, preferV6); found {
		if negative {
			return netip.Addr{}, errtrace.Wrap(ErrHostNotFound)
		}
		return addr, nil
	}

	if !wait {
		go func() {
			ctx, cancel := context.WithCancel(tpl.srvCtx)
			defer cancel()
			if _, err := rsv.ResolveAsync(ctx, host, preferV6); err != nil {
				tpl.log.Debug("async name resolution failed", "host", host, "error", err)
			}
		}()
		return netip.Addr{}, errtrace.Wrap(ErrInProgress)
	}

	addr, err := rsv.ResolveAsync(ctx, host, preferV6)
	if err != nil {
		return netip.Addr{}, errtrace.Wrap(ErrHostNotFound)
	}
	return addr, nil
}

// selectChannel picks the channel for a destination:
//  1. no protocol/family fit: create one when allowed (never for responses);
//  2. a live hinted channel supporting the protocol wins;
//  3. a wildcard-bound channel (routable via any interface);
//  4. a channel bound exactly to the destination address (same host);
//  5. a channel bound to the OS preferred source for the destination;
//  6. a channel bound to the OS default outbound address;
//  7. any fitting channel.
//
// The ordering maximizes the chance that the Via produced is one the peer
// can route back to without NAT rewriting.
func (tpl *TransportLayer) selectChannel(ctx context.Context, dst Endpoint, hint string, isForResponse bool) (Channel, error) {
	v4 := dst.Is4()

	tpl.mu.RLock()
	if tpl.closed {
		tpl.mu.RUnlock()
		return nil, errtrace.Wrap(ErrTransportClosed)
	}
	var candidates []Channel
	for _, ch := range tpl.channels {
		if ch.SupportsProto(dst.Proto) && ch.SupportsFamily(v4) {
			candidates = append(candidates, ch)
		}
	}
	hinted, hasHint := tpl.channels[hint]
	tpl.mu.RUnlock()

	if len(candidates) == 0 {
		if isForResponse || !tpl.opts.CanCreateMissingChannels || tpl.opts.ChannelFactory == nil {
			return nil, errtrace.Wrap(ErrNoChannel)
		}
		ch, err := tpl.opts.ChannelFactory.CreateChannel(ctx, dst.Proto, v4, tpl.Receive)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		if err := tpl.AddChannel(ch); err != nil {
			_ = ch.Close(ctx)
			return nil, errtrace.Wrap(err)
		}
		return ch, nil
	}

	if hasHint && hinted.SupportsProto(dst.Proto) {
		return hinted, nil
	}

	for _, ch := range candidates {
		if ch.LocalAddr().Addr().IsUnspecified() {
			return ch, nil
		}
	}
	for _, ch := range candidates {
		if ch.LocalAddr().Addr().Unmap() == dst.IP.Unmap() {
			return ch, nil
		}
	}
	if src, ok := preferredSource(dst.IP); ok {
		for _, ch := range candidates {
			if ch.LocalAddr().Addr().Unmap() == src {
				return ch, nil
			}
		}
	}
	if def, ok := defaultOutboundAddr(v4); ok {
		for _, ch := range candidates {
			if ch.LocalAddr().Addr().Unmap() == def {
				return ch, nil
			}
		}
	}
	return candidates[0], nil
}
