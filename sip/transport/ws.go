package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"

	"braces.dev/errtrace"
	"github.com/gorilla/websocket"

	"github.com/ghettovoice/sipcore/sip"
)

// WS is the SIP channel over WebSocket (RFC 7118): one SIP message per
// WebSocket message, sent as TEXT, accepted as TEXT or BINARY. Fragmented
// frames are reassembled by the WebSocket library before delivery.
type WS struct {
	id      string
	proto   sip.TransportProto
	opts    Options
	laddr   netip.AddrPort
	ls      net.Listener
	httpSrv *http.Server
	secured bool
	log     *slog.Logger

	mu          sync.Mutex
	connsByAddr map[netip.AddrPort]*wsConn
	connsByID   map[string]*wsConn
	closed      bool

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type wsConn struct {
	id    string
	conn  *websocket.Conn
	raddr netip.AddrPort

	writeMu sync.Mutex
}

var wsUpgrader = websocket.Upgrader{
	Subprotocols: []string{"sip"},
	CheckOrigin:  func(*http.Request) bool { return true },
}

// ListenWS binds a WS channel: a WebSocket server on the configured URL
// path accepting SIP subprotocol sessions.
func ListenWS(ctx context.Context, laddr netip.AddrPort, opts *Options) (*WS, error) {
	var lc net.ListenConfig
	ls, err := lc.Listen(ctx, "tcp", laddr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return newWSServer(sip.TransportWS, ls, opts, false), nil
}

// ListenWSS binds a WSS channel using the server certificate from
// [Options.TLSConfig].
func ListenWSS(ctx context.Context, laddr netip.AddrPort, opts *Options) (*WS, error) {
	if opts == nil || opts.TLSConfig == nil {
		return nil, errtrace.Wrap(errMissingTLSConfig)
	}
	var lc net.ListenConfig
	inner, err := lc.Listen(ctx, "tcp", laddr.String())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return newWSServer(sip.TransportWSS, tls.NewListener(inner, opts.TLSConfig), opts, true), nil
}

// NewWSClient creates an unbound WS or WSS channel that only dials out.
func NewWSClient(secured bool, opts *Options) *WS {
	proto := sip.TransportWS
	if secured {
		proto = sip.TransportWSS
	}
	tp := newWS(proto, opts, secured)
	return tp
}

func newWSServer(proto sip.TransportProto, ls net.Listener, opts *Options, secured bool) *WS {
	tp := newWS(proto, opts, secured)
	tp.ls = ls
	tp.laddr = addrPortFromNet(ls.Addr())
	tp.id = nextChannelID(proto, tp.laddr)
	tp.log = tp.opts.log().With(slog.Any("channel", tp))

	mux := http.NewServeMux()
	mux.HandleFunc(tp.opts.wsPath(), tp.serveUpgrade)
	tp.httpSrv = &http.Server{Handler: mux}

	tp.wg.Add(1)
	go func() {
		defer tp.wg.Done()
		_ = tp.httpSrv.Serve(ls)
	}()
	return tp
}

func newWS(proto sip.TransportProto, opts *Options, secured bool) *WS {
	tp := &WS{
		proto:       proto,
		secured:     secured,
		connsByAddr: make(map[netip.AddrPort]*wsConn),
		connsByID:   make(map[string]*wsConn),
	}
	if opts != nil {
		tp.opts = *opts
	}
	tp.id = nextChannelID(proto, netip.AddrPort{})
	tp.log = tp.opts.log().With(slog.Any("channel", tp))
	return tp
}

func (tp *WS) serveUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		tp.log.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	tp.track(conn)
}

func (tp *WS) track(conn *websocket.Conn) *wsConn {
	wc := &wsConn{
		id:    fmt.Sprintf("conn#%d", connSeq.Add(1)),
		conn:  conn,
		raddr: addrPortFromNet(conn.RemoteAddr()),
	}

	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		conn.Close()
		return nil
	}
	tp.connsByAddr[wc.raddr] = wc
	tp.connsByID[wc.id] = wc
	tp.mu.Unlock()

	tp.wg.Add(1)
	go tp.readLoop(wc)
	return wc
}

func (tp *WS) evict(wc *wsConn) {
	tp.mu.Lock()
	if tp.connsByAddr[wc.raddr] == wc {
		delete(tp.connsByAddr, wc.raddr)
	}
	delete(tp.connsByID, wc.id)
	tp.mu.Unlock()
	wc.conn.Close()
}

func (tp *WS) readLoop(wc *wsConn) {
	defer tp.wg.Done()
	defer tp.evict(wc)

	recv := tp.opts.receiver()

	local := sip.EndpointFromAddrPort(tp.proto, addrPortFromNet(wc.conn.LocalAddr()))
	local.ChannelID = tp.id
	remote := sip.EndpointFromAddrPort(tp.proto, wc.raddr)
	remote.ConnID = wc.id

	for {
		typ, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		recv(local, remote, data)
	}
}

func (tp *WS) ID() string { return tp.id }

func (tp *WS) Proto() sip.TransportProto { return tp.proto }

func (tp *WS) LocalAddr() netip.AddrPort { return tp.laddr }

func (tp *WS) ListeningAddrs() []netip.AddrPort {
	if tp.ls == nil {
		return nil
	}
	return machineListeningAddrs(tp.laddr)
}

func (tp *WS) SupportsProto(p sip.TransportProto) bool { return p.Equal(tp.proto) }

func (tp *WS) SupportsFamily(v4 bool) bool {
	if !tp.laddr.IsValid() {
		return true
	}
	if tp.laddr.Addr().Is4() {
		return v4
	}
	return !v4 || tp.laddr.Addr().IsUnspecified()
}

// EnsureConn establishes or finds the WebSocket session for dst and
// reports its connection ID and local address.
func (tp *WS) EnsureConn(ctx context.Context, dst sip.Endpoint, canInitiate bool, connID string) (string, netip.AddrPort, error) {
	wc, err := tp.connFor(ctx, dst, canInitiate, connID)
	if err != nil {
		return "", netip.AddrPort{}, errtrace.Wrap(err)
	}
	return wc.id, addrPortFromNet(wc.conn.LocalAddr()), nil
}

// Send writes the message as a single WebSocket TEXT message, dialing the
// peer's WebSocket URL when no session exists and canInitiate allows it.
func (tp *WS) Send(ctx context.Context, dst sip.Endpoint, raw []byte, canInitiate bool, connID string) (string, error) {
	wc, err := tp.connFor(ctx, dst, canInitiate, connID)
	if err != nil {
		return "", errtrace.Wrap(err)
	}

	wc.writeMu.Lock()
	werr := wc.conn.WriteMessage(websocket.TextMessage, raw)
	wc.writeMu.Unlock()
	if werr != nil {
		tp.evict(wc)
		return "", errtrace.Wrap(werr)
	}
	return wc.id, nil
}

func (tp *WS) connFor(ctx context.Context, dst sip.Endpoint, canInitiate bool, connID string) (*wsConn, error) {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return nil, errtrace.Wrap(sip.ErrTransportClosed)
	}
	if connID != "" {
		if wc, ok := tp.connsByID[connID]; ok {
			tp.mu.Unlock()
			return wc, nil
		}
	}
	if wc, ok := tp.connsByAddr[dst.AddrPort()]; ok {
		tp.mu.Unlock()
		return wc, nil
	}
	tp.mu.Unlock()

	if !canInitiate {
		return nil, errtrace.Wrap(sip.ErrSocketNotConnected)
	}

	scheme := "ws"
	if tp.secured {
		scheme = "wss"
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: tp.opts.connectTimeout(),
		TLSClientConfig:  tp.opts.TLSConfig,
		Subprotocols:     []string{"sip"},
	}
	url := fmt.Sprintf("%s://%s%s", scheme, dst.AddrPort(), tp.opts.wsPath())
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	wc := tp.track(conn)
	if wc == nil {
		return nil, errtrace.Wrap(sip.ErrTransportClosed)
	}
	return wc, nil
}

func (tp *WS) Close(context.Context) error {
	tp.closeOnce.Do(func() {
		tp.mu.Lock()
		tp.closed = true
		conns := make([]*wsConn, 0, len(tp.connsByID))
		for _, wc := range tp.connsByID {
			conns = append(conns, wc)
		}
		tp.mu.Unlock()

		if tp.httpSrv != nil {
			tp.closeErr = tp.httpSrv.Close()
		} else if tp.ls != nil {
			tp.closeErr = tp.ls.Close()
		}
		for _, wc := range conns {
			wc.conn.Close()
		}
		tp.wg.Wait()
	})
	return errtrace.Wrap(tp.closeErr)
}

func (tp *WS) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", fmt.Sprintf("%T", tp)),
		slog.String("id", tp.id),
		slog.Any("proto", tp.proto),
		slog.String("local_addr", tp.laddr.String()),
	)
}
