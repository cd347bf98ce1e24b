package sip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/internal/types"
	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip/common"
	"github.com/ghettovoice/sipcore/sip/header"
)

// TraceKind names a trace event on the transport's message path.
type TraceKind string

const (
	TraceRequestIn          TraceKind = "request-in"
	TraceRequestOut         TraceKind = "request-out"
	TraceResponseIn         TraceKind = "response-in"
	TraceResponseOut        TraceKind = "response-out"
	TraceBadRequest         TraceKind = "bad-request"
	TraceBadResponse        TraceKind = "bad-response"
	TraceRequestRetransmit  TraceKind = "request-retransmit"
	TraceResponseRetransmit TraceKind = "response-retransmit"
)

// TraceEvent is delivered to trace subscribers on every message-path event.
type TraceEvent struct {
	Kind   TraceKind
	Local  Endpoint
	Remote Endpoint
	Msg    Message
	Err    error
}

type (
	// TraceHandler observes trace events.
	TraceHandler func(ev TraceEvent)
	// RequestHandler receives requests no transaction consumed.
	RequestHandler func(ctx context.Context, req *Request)
	// ResponseHandler receives responses no transaction consumed.
	ResponseHandler func(ctx context.Context, res *Response)
	// STUNHandler receives STUN payloads demultiplexed off SIP sockets.
	STUNHandler func(local, remote Endpoint, data []byte)
)

// TransportLayerOptions are the options for a [TransportLayer].
type TransportLayerOptions struct {
	// Resolver is the name resolution capability. Nil disables DNS:
	// only IP literal destinations are sendable.
	Resolver HostResolver
	// ChannelFactory creates channels on demand.
	ChannelFactory ChannelFactory
	// CanCreateMissingChannels allows outbound sends to create a channel
	// for an uncovered protocol/family combination.
	CanCreateMissingChannels bool
	// PreferIPv6NameResolution resolves names to IPv6 first.
	PreferIPv6NameResolution bool
	// MaxInMessageQueue bounds the inbound queue; the newest message is
	// dropped with a warning on overflow. 0 or less means a 65536-slot
	// queue; the queue is never unbounded.
	MaxInMessageQueue int
	// BypassInboundQueue runs parse-and-dispatch inline on the channel's
	// receive path instead of the single consumer worker. Used by
	// stateless proxies that must not serialize behind DNS.
	BypassInboundQueue bool
	// ContactHost overrides the Contact URI host on outbound messages.
	ContactHost string
	// LocalHosts lists domain names this stack answers for, used by
	// Route preprocessing next to the channels' listening addresses.
	LocalHosts []string
	// SupportedExtensions are option-tags accepted in Require headers.
	// Anything else is rejected with 420. Nil means {"100rel"}.
	SupportedExtensions []string
	// MaxMessageSize caps inbound payloads; larger ones are answered
	// with 413. 0 means [DefaultMaxMessageSize].
	MaxMessageSize int
	// HeaderEncoding is the wire encoding of header text. Empty means UTF-8.
	HeaderEncoding Encoding
	// BodyEncoding is the body encoding hint. Empty means HeaderEncoding.
	BodyEncoding Encoding
	// CustomizeRequestHeader runs before the default outbound rewrite.
	CustomizeRequestHeader RequestHeaderHook
	// CustomizeResponseHeader runs before the default outbound rewrite.
	CustomizeResponseHeader ResponseHeaderHook
	// OnSTUN is invoked for STUN payloads received on SIP sockets.
	OnSTUN STUNHandler
	// Stats receives message counters. Nil disables recording.
	Stats *StatsRecorder
	// Logger is the logger. If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *TransportLayerOptions) maxMsgSize() int {
	if o == nil || o.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return min(o.MaxMessageSize, AbsoluteMaxMessageSize)
}

func (o *TransportLayerOptions) supportedExts() []string {
	if o == nil || o.SupportedExtensions == nil {
		return []string{"100rel"}
	}
	return o.SupportedExtensions
}

func (o *TransportLayerOptions) parseOpts() *ParseOptions {
	if o == nil {
		return nil
	}
	return &ParseOptions{HeaderEncoding: o.HeaderEncoding, BodyEncoding: o.BodyEncoding}
}

func (o *TransportLayerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// TransportLayer is the hub of the stack: it owns the channel set, routes
// outbound messages to the right channel, demultiplexes inbound bytes into
// SIP and STUN, runs the inbound worker and feeds the transaction engine.
type TransportLayer struct {
	opts TransportLayerOptions
	txm  *TransactionManager
	log  *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel

	queue    chan inboundPayload
	workerWg sync.WaitGroup

	onRequest  types.CallbackManager[RequestHandler]
	onResponse types.CallbackManager[ResponseHandler]
	onTrace    types.CallbackManager[TraceHandler]

	srvCtx    context.Context
	srvCancel context.CancelFunc

	closed    bool
	closeOnce sync.Once
	closeErr  error
}

type inboundPayload struct {
	local  Endpoint
	remote Endpoint
	data   []byte
}

// inboundQueueFallbackSize backs the "unlimited" queue setting; a bound this
// large only matters when the worker has stalled entirely.
const inboundQueueFallbackSize = 65536

// NewTransportLayer creates the hub and starts its inbound worker.
// txm is optional: without an engine every message goes straight to the
// subscribed handlers.
func NewTransportLayer(txm *TransactionManager, opts *TransportLayerOptions) *TransportLayer {
	tpl := &TransportLayer{
		txm:      txm,
		channels: make(map[string]Channel),
	}
	if opts != nil {
		tpl.opts = *opts
	}
	tpl.log = tpl.opts.log().With(slog.String("component", "transport"))
	tpl.srvCtx, tpl.srvCancel = context.WithCancel(context.Background())

	if !tpl.opts.BypassInboundQueue {
		depth := tpl.opts.MaxInMessageQueue
		if depth <= 0 {
			depth = inboundQueueFallbackSize
		}
		tpl.queue = make(chan inboundPayload, depth)
		tpl.workerWg.Add(1)
		go tpl.inboundWorker()
	}
	return tpl
}

// AddChannel tracks a channel. The channel must already deliver received
// payloads to [TransportLayer.Receive].
func (tpl *TransportLayer) AddChannel(ch Channel) error {
	tpl.mu.Lock()
	defer tpl.mu.Unlock()
	if tpl.closed {
		return errtrace.Wrap(ErrTransportClosed)
	}
	tpl.channels[ch.ID()] = ch
	return nil
}

// RemoveChannel stops tracking a channel without closing it.
func (tpl *TransportLayer) RemoveChannel(id string) {
	tpl.mu.Lock()
	delete(tpl.channels, id)
	tpl.mu.Unlock()
}

// Channel returns a tracked channel by ID.
func (tpl *TransportLayer) Channel(id string) (Channel, bool) {
	tpl.mu.RLock()
	defer tpl.mu.RUnlock()
	ch, ok := tpl.channels[id]
	return ch, ok
}

// OnRequest subscribes a handler for requests no transaction consumed.
func (tpl *TransportLayer) OnRequest(h RequestHandler) (remove func()) {
	return tpl.onRequest.Add(h)
}

// OnResponse subscribes a handler for responses no transaction consumed.
func (tpl *TransportLayer) OnResponse(h ResponseHandler) (remove func()) {
	return tpl.onResponse.Add(h)
}

// OnTrace subscribes a trace event observer.
func (tpl *TransportLayer) OnTrace(h TraceHandler) (remove func()) {
	return tpl.onTrace.Add(h)
}

func (tpl *TransportLayer) trace(ev TraceEvent) {
	for h := range tpl.onTrace.All() {
		h(ev)
	}
}

// Receive is the channels' entry point for raw inbound payloads.
// It classifies the payload (STUN, oversize, ping, junk, SIP) and either
// enqueues it for the inbound worker or processes it inline.
func (tpl *TransportLayer) Receive(local, remote Endpoint, data []byte) {
	// STUN demultiplex: a first byte of 0x00 or 0x01 and at least a STUN
	// header's 20 bytes mean the payload never touches the SIP parser.
	if len(data) >= 20 && (data[0] == 0x00 || data[0] == 0x01) {
		if h := tpl.opts.OnSTUN; h != nil {
			h(local, remote, data)
		}
		return
	}

	if len(data) > tpl.opts.maxMsgSize() {
		tpl.respondOversize(local, remote, data)
		return
	}

	if IsPing(data) {
		tpl.recordDropped(local)
		return
	}

	// A SIP message carries the literal protocol name in its first line.
	if !bytes.Contains(firstLineRegion(data), []byte("SIP")) {
		tpl.trace(TraceEvent{Kind: TraceBadRequest, Local: local, Remote: remote})
		tpl.recordDropped(local)
		return
	}

	if tpl.opts.BypassInboundQueue {
		tpl.processInbound(inboundPayload{local, remote, data})
		return
	}

	select {
	case tpl.queue <- inboundPayload{local, remote, data}:
	default:
		// Bounded queue under saturation: the newest arrival is dropped.
		tpl.log.Warn("inbound queue full, message dropped",
			slog.Any("local", local),
			slog.Any("remote", remote),
			slog.Int("size", len(data)),
		)
		tpl.recordDropped(local)
	}
}

func firstLineRegion(data []byte) []byte {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[:i]
	}
	if len(data) > 256 {
		return data[:256]
	}
	return data
}

func (tpl *TransportLayer) recordDropped(local Endpoint) {
	if tpl.opts.Stats != nil {
		tpl.opts.Stats.RecordDropped(local)
	}
}

// inboundWorker drains the queue and runs parse-and-dispatch.
// A fault on one message must not stop the worker: each message is
// processed under a recover.
func (tpl *TransportLayer) inboundWorker() {
	defer tpl.workerWg.Done()
	for {
		select {
		case <-tpl.srvCtx.Done():
			return
		case in := <-tpl.queue:
			tpl.processInbound(in)
		}
	}
}

func (tpl *TransportLayer) processInbound(in inboundPayload) {
	defer func() {
		if r := recover(); r != nil {
			tpl.log.Error("inbound message processing fault",
				slog.Any("error", fmt.Errorf("panic: %v", r)),
				slog.Any("remote", in.remote),
			)
		}
	}()

	msg, err := ParseMessage(in.data, tpl.opts.parseOpts())
	if err != nil {
		tpl.handleParseError(in, err)
		return
	}
	msg.SetLocalEndpoint(in.local)
	msg.SetRemoteEndpoint(in.remote)

	switch m := msg.(type) {
	case *Request:
		tpl.dispatchRequest(m)
	case *Response:
		tpl.dispatchResponse(m)
	}
}

// handleParseError emits a bad-message trace and, when the broken payload
// was a request with enough salvageable headers, answers it with the
// status the validation error mapped to.
func (tpl *TransportLayer) handleParseError(in inboundPayload, err error) {
	kind := TraceBadRequest
	if bytes.HasPrefix(in.data, []byte("SIP/")) {
		kind = TraceBadResponse
	}
	tpl.trace(TraceEvent{Kind: kind, Local: in.local, Remote: in.remote, Err: err})
	tpl.log.Debug("inbound message parse failed",
		slog.Any("error", err),
		slog.Any("remote", in.remote),
	)
	if kind != TraceBadRequest {
		return
	}
	status := StatusBadRequest
	var verr *ValidationError
	if errors.As(err, &verr) {
		status = verr.Status
	}
	if req := salvageRequest(in.data, tpl.opts.parseOpts()); req != nil {
		req.SetLocalEndpoint(in.local)
		req.SetRemoteEndpoint(in.remote)
		res := NewResponseFromRequest(req, status, "")
		_ = tpl.SendResponse(tpl.srvCtx, res, &SendOptions{})
	}
}

// salvageRequest leniently re-parses a broken request, keeping whatever
// headers still parse, so a precise 4xx can be produced. Returns nil when
// not even the response-identifying headers survive.
func salvageRequest(data []byte, opts *ParseOptions) *Request {
	headEnd := bytes.Index(data, []byte("\r\n\r\n"))
	if headEnd < 0 {
		headEnd = len(data)
	}
	head, err := opts.headerEnc().Decode(data[:headEnd])
	if err != nil {
		return nil
	}
	lines := splitHeaderLines(head)
	if len(lines) == 0 {
		return nil
	}
	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil
	}
	req, ok := msg.(*Request)
	if !ok {
		return nil
	}
	for _, line := range lines[1:] {
		if hdr, err := ParseHeader(line); err == nil {
			req.Headers().Append(hdr)
		}
	}
	hs := req.Headers()
	if _, ok := hs.FirstVia(); !ok {
		return nil
	}
	if _, ok := hs.CSeq(); !ok {
		return nil
	}
	return req
}

func (tpl *TransportLayer) dispatchRequest(req *Request) {
	local, remote := req.LocalEndpoint(), req.RemoteEndpoint()
	tpl.trace(TraceEvent{Kind: TraceRequestIn, Local: local, Remote: remote, Msg: req})
	if tpl.opts.Stats != nil {
		tpl.opts.Stats.RecordRequestIn(local)
	}

	via, ok := req.Headers().FirstVia()
	if !ok {
		tpl.trace(TraceEvent{Kind: TraceBadRequest, Local: local, Remote: remote, Msg: req})
		return
	}
	stampViaSource(via, remote)

	preprocessRoutes(req, tpl.isLocalAddr)

	// Protocol policy rejections.
	if mf, ok := req.Headers().MaxForwards(); ok && mf == 0 && !req.Method().Equal(RequestMethodOptions) {
		res := NewResponseFromRequest(req, StatusTooManyHops, "")
		_ = tpl.SendResponse(tpl.srvCtx, res, &SendOptions{})
		return
	}
	if unsupported := tpl.unsupportedExtensions(req); len(unsupported) > 0 && !req.IsAck() {
		res := NewResponseFromRequest(req, StatusBadExtension, "")
		res.Headers().Set(header.Unsupported(unsupported))
		_ = tpl.SendResponse(tpl.srvCtx, res, &SendOptions{})
		return
	}

	if tpl.txm != nil {
		handled, err := tpl.txm.HandleRequest(tpl.srvCtx, req)
		if err != nil {
			tpl.log.Debug("transaction matching failed", slog.Any("error", err))
		}
		if handled {
			return
		}
	}

	for h := range tpl.onRequest.All() {
		go h(tpl.srvCtx, req)
	}
}

// stampViaSource applies RFC 3261 Section 18.2.1 to the top Via of a
// received request: a received parameter when the sent-by host disagrees
// with the source address, and the source port when the sender asked for
// rport (RFC 3581).
func stampViaSource(via *header.ViaHop, remote Endpoint) {
	if !remote.IP.IsValid() {
		return
	}
	hostIP, _ := netip.AddrFromSlice(via.Addr.IP())
	if !hostIP.IsValid() || hostIP.Unmap() != remote.IP.Unmap() {
		if via.Params == nil {
			via.Params = make(common.Values)
		}
		via.Params.Set("received", remote.IP.String())
	}
	if via.Params.Has("rport") && via.Params.First("rport") == "" {
		via.Params.Set("rport", strconv.Itoa(int(remote.Port)))
	}
}

func (tpl *TransportLayer) unsupportedExtensions(req *Request) []string {
	require := req.Headers().Require()
	if len(require) == 0 {
		return nil
	}
	supported := tpl.opts.supportedExts()
	var unsupported []string
	for _, ext := range require {
		if !slices.ContainsFunc(supported, func(s string) bool { return strings.EqualFold(s, ext) }) {
			unsupported = append(unsupported, ext)
		}
	}
	return unsupported
}

func (tpl *TransportLayer) dispatchResponse(res *Response) {
	local, remote := res.LocalEndpoint(), res.RemoteEndpoint()
	tpl.trace(TraceEvent{Kind: TraceResponseIn, Local: local, Remote: remote, Msg: res})
	if tpl.opts.Stats != nil {
		tpl.opts.Stats.RecordResponseIn(local)
	}

	if _, ok := res.Headers().FirstVia(); !ok {
		tpl.trace(TraceEvent{Kind: TraceBadResponse, Local: local, Remote: remote, Msg: res})
		return
	}

	if tpl.txm != nil {
		handled, err := tpl.txm.HandleResponse(tpl.srvCtx, res)
		if err != nil {
			tpl.log.Debug("transaction matching failed", slog.Any("error", err))
		}
		if handled {
			return
		}
	}

	for h := range tpl.onResponse.All() {
		go h(tpl.srvCtx, res)
	}
}

func (tpl *TransportLayer) respondOversize(local, remote Endpoint, data []byte) {
	tpl.trace(TraceEvent{Kind: TraceBadRequest, Local: local, Remote: remote, Err: ErrMessageTooLarge})
	if req := salvageRequest(data[:min(len(data), AbsoluteMaxMessageSize)], tpl.opts.parseOpts()); req != nil {
		req.SetLocalEndpoint(local)
		req.SetRemoteEndpoint(remote)
		res := NewResponseFromRequest(req, StatusMessageTooLarge, "")
		_ = tpl.SendResponse(tpl.srvCtx, res, &SendOptions{})
	}
}

// isLocalAddr reports whether addr names this stack: a configured local
// host name, or a listening address of any channel, with wildcard binds
// expanded to every machine address.
func (tpl *TransportLayer) isLocalAddr(addr common.Addr) bool {
	for _, h := range tpl.opts.LocalHosts {
		if strings.EqualFold(h, addr.Host()) {
			return true
		}
	}
	ip := addr.IP()
	if ip == nil {
		return false
	}
	nip, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	nip = nip.Unmap()

	tpl.mu.RLock()
	defer tpl.mu.RUnlock()
	for _, ch := range tpl.channels {
		for _, la := range ch.ListeningAddrs() {
			if la.Addr().Unmap() == nip {
				if port, has := addr.Port(); !has || port == la.Port() {
					return true
				}
			}
		}
	}
	return false
}

// Close shuts the layer down: the worker exits, channels close, pending
// sends abort. Close is idempotent.
func (tpl *TransportLayer) Close(ctx context.Context) error {
	tpl.closeOnce.Do(func() {
		tpl.mu.Lock()
		tpl.closed = true
		chans := make([]Channel, 0, len(tpl.channels))
		for _, ch := range tpl.channels {
			chans = append(chans, ch)
		}
		tpl.channels = map[string]Channel{}
		tpl.mu.Unlock()

		tpl.srvCancel()
		for _, ch := range chans {
			if err := ch.Close(ctx); err != nil {
				tpl.closeErr = err
			}
		}
		tpl.workerWg.Wait()
	})
	return errtrace.Wrap(tpl.closeErr)
}
