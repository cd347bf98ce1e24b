package sip_test

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/sip/common"
	"github.com/ghettovoice/sipcore/sip/header"
	"github.com/ghettovoice/sipcore/sip/transport"
	"github.com/ghettovoice/sipcore/sip/uri"
)

// stack bundles an engine, a transport layer and one listening channel.
type stack struct {
	txm  *sip.TransactionManager
	tpl  *sip.TransportLayer
	addr netip.AddrPort
}

func newUDPStack(t *testing.T) *stack {
	t.Helper()
	txm := sip.NewTransactionManager(&sip.TransactionManagerOptions{Logger: log.Noop})
	tpl := sip.NewTransportLayer(txm, &sip.TransportLayerOptions{Logger: log.Noop})
	ch, err := transport.ListenUDP(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"),
		&transport.Options{Receiver: tpl.Receive, Logger: log.Noop})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	if err := tpl.AddChannel(ch); err != nil {
		t.Fatal(err)
	}
	st := &stack{txm: txm, tpl: tpl, addr: ch.LocalAddr()}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tpl.Close(ctx)
		_ = txm.Close(ctx)
	})
	return st
}

func newInviteToward(t *testing.T, dst netip.AddrPort, branch, callID string) *sip.Request {
	t.Helper()
	target, err := uri.Parse(fmt.Sprintf("sip:dummy@%s", dst))
	if err != nil {
		t.Fatal(err)
	}
	fromURI, _ := uri.Parse("sip:caller@0.0.0.0")
	toURI, _ := uri.Parse(fmt.Sprintf("sip:dummy@%s", dst.Addr()))

	req := sip.NewRequest(sip.RequestMethodInvite, target,
		header.Via{{
			Proto:     sip.Proto20,
			Transport: sip.TransportUDP,
			Addr:      common.HostPort("0.0.0.0", 0),
			Params:    common.Values{}.Set("branch", branch),
		}},
		header.From{NameAddr: header.NameAddr{Uri: fromURI, Params: common.Values{}.Set("tag", sip.GenerateTag())}},
		header.To{NameAddr: header.NameAddr{Uri: toURI}},
		header.CallID(callID),
		header.CSeq{Seq: 1, Method: sip.RequestMethodInvite},
		header.MaxForwards(70),
	)
	req.SetBody(nil, true)
	return req
}

// Scenario: INVITE answered with 603 Decline. The client transaction must
// match the response, reach completed and acknowledge; the server engine
// must recognize the ACK and confirm its transaction.
func TestE2E_InviteDecline_UDP(t *testing.T) {
	t.Parallel()

	client := newUDPStack(t)
	server := newUDPStack(t)

	srvTxs := make(chan sip.ServerTransaction, 1)
	server.tpl.OnRequest(func(ctx context.Context, req *sip.Request) {
		if !req.IsInvite() {
			return
		}
		stx, err := server.txm.NewServerTransaction(ctx, req, server.tpl)
		if err != nil {
			t.Errorf("NewServerTransaction() error = %v", err)
			return
		}
		srvTxs <- stx
		_ = stx.Respond(sip.NewResponseFromRequest(req, sip.StatusDecline, "Nothing listening"))
	})

	req := newInviteToward(t, server.addr,
		"z9hG4bK5f37455955ca433a902f8fea0ce2dc27",
		"8ae45c15425040179a4285d774ccbaf6")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := client.txm.NewClientTransaction(ctx, req, client.tpl)
	if err != nil {
		t.Fatalf("NewClientTransaction() error = %v", err)
	}

	var final *sip.Response
	deadline := time.After(2 * time.Second)
	for final == nil {
		select {
		case res := <-tx.Responses():
			if res.IsFinal() {
				final = res
			}
		case <-deadline:
			t.Fatal("no final response within 2s")
		}
	}
	if final.Status() != sip.StatusDecline {
		t.Fatalf("final status = %d, want 603", final.Status())
	}

	eventually(t, func() bool { return tx.State() == sip.TransactionStateCompleted },
		"client transaction must transition calling -> completed")

	var stx sip.ServerTransaction
	select {
	case stx = <-srvTxs:
	case <-time.After(2 * time.Second):
		t.Fatal("server never created its transaction")
	}

	eventually(t, func() bool { return stx.State() == sip.TransactionStateConfirmed },
		"server transaction must observe the engine-generated ACK and confirm")
}

// Scenario: cross-host ACK recognition. Two independent engines, each with
// its own UDP channel; the ACK the client engine generates for a 486 must
// be matched by the server's engine within two seconds.
func TestE2E_CrossHostAckRecognition_UDP(t *testing.T) {
	t.Parallel()

	client := newUDPStack(t)
	server := newUDPStack(t)

	confirmed := make(chan struct{})
	server.tpl.OnRequest(func(ctx context.Context, req *sip.Request) {
		if !req.IsInvite() {
			return
		}
		stx, err := server.txm.NewServerTransaction(ctx, req, server.tpl)
		if err != nil {
			return
		}
		_ = stx.Respond(sip.NewResponseFromRequest(req, sip.StatusBusyHere, ""))
		go func() {
			for {
				if stx.State() == sip.TransactionStateConfirmed {
					close(confirmed)
					return
				}
				select {
				case <-stx.Done():
					return
				case <-time.After(5 * time.Millisecond):
				}
			}
		}()
	})

	req := newInviteToward(t, server.addr, sip.GenerateBranch(), string(sip.GenerateCallID()))
	if _, err := client.txm.NewClientTransaction(context.Background(), req, client.tpl); err != nil {
		t.Fatal(err)
	}

	select {
	case <-confirmed:
	case <-time.After(2 * time.Second):
		t.Fatal("server transaction not confirmed within 2s")
	}
}

// Scenario: a raw TCP peer writes ten OPTIONS requests in 30 ms increments
// over one connection; the transport must deliver exactly ten requests.
func TestE2E_TCPFragmentation(t *testing.T) {
	t.Parallel()

	tpl := sip.NewTransportLayer(nil, &sip.TransportLayerOptions{Logger: log.Noop})
	ch, err := transport.ListenTCP(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"),
		&transport.Options{Receiver: tpl.Receive, Logger: log.Noop})
	if err != nil {
		t.Fatalf("ListenTCP() error = %v", err)
	}
	if err := tpl.AddChannel(ch); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tpl.Close(ctx)
	})

	got := make(chan *sip.Request, 16)
	tpl.OnRequest(func(_ context.Context, req *sip.Request) { got <- req })

	conn, err := net.Dial("tcp", ch.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	const count = 10
	for i := 1; i <= count; i++ {
		raw := fmt.Sprintf("OPTIONS sip:server.example SIP/2.0\r\n"+
			"Via: SIP/2.0/TCP client.example;branch=z9hG4bKtcp%d\r\n"+
			"From: <sip:client.example>;tag=tcp%d\r\n"+
			"To: <sip:server.example>\r\n"+
			"Call-ID: tcp-frag-%d\r\n"+
			"CSeq: %d OPTIONS\r\n"+
			"Content-Length: 0\r\n\r\n", i, i, i, i)
		if _, err := conn.Write([]byte(raw)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		time.Sleep(30 * time.Millisecond)
	}

	seen := make(map[string]bool)
	deadline := time.After(3 * time.Second)
	for len(seen) < count {
		select {
		case req := <-got:
			callID, _ := req.Headers().CallID()
			if seen[string(callID)] {
				t.Fatalf("request %s delivered twice", callID)
			}
			seen[string(callID)] = true
		case <-deadline:
			t.Fatalf("delivered %d requests, want %d", len(seen), count)
		}
	}

	// No merges: nothing extra shows up after the last one.
	select {
	case req := <-got:
		callID, _ := req.Headers().CallID()
		t.Fatalf("unexpected extra request %s", callID)
	case <-time.After(200 * time.Millisecond):
	}
}

func randomToken(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// Scenario: a large OPTIONS exchange over WebSocket. The trailing marker
// headers prove the messages survived WS fragmentation and reassembly.
func TestE2E_WebSocketLargeRoundTrip(t *testing.T) {
	t.Parallel()

	// Server stack.
	srvTpl := sip.NewTransportLayer(nil, &sip.TransportLayerOptions{Logger: log.Noop})
	srvCh, err := transport.ListenWS(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"),
		&transport.Options{Receiver: srvTpl.Receive, Logger: log.Noop})
	if err != nil {
		t.Fatalf("ListenWS() error = %v", err)
	}
	if err := srvTpl.AddChannel(srvCh); err != nil {
		t.Fatal(err)
	}

	// Client stack with an outbound-only WS channel.
	clnTpl := sip.NewTransportLayer(nil, &sip.TransportLayerOptions{Logger: log.Noop})
	clnCh := transport.NewWSClient(false, &transport.Options{Receiver: clnTpl.Receive, Logger: log.Noop})
	if err := clnTpl.AddChannel(clnCh); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = clnTpl.Close(ctx)
		_ = srvTpl.Close(ctx)
	})

	srvTpl.OnRequest(func(ctx context.Context, req *sip.Request) {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "")
		res.Headers().Append(header.Any{HeaderName: "X-Response-Random", Value: randomToken(1000)})
		res.Headers().Append(header.Any{HeaderName: "X-Response-Final", Value: "TheEnd"})
		if err := srvTpl.SendResponse(ctx, res, nil); err != nil {
			t.Errorf("SendResponse() error = %v", err)
		}
	})

	gotRes := make(chan *sip.Response, 1)
	clnTpl.OnResponse(func(_ context.Context, res *sip.Response) { gotRes <- res })

	target, _ := uri.Parse(fmt.Sprintf("sip:server@%s;transport=ws", srvCh.LocalAddr()))
	fromURI, _ := uri.Parse("sip:client@0.0.0.0")
	toURI, _ := uri.Parse("sip:server@server.example")
	req := sip.NewRequest(sip.RequestMethodOptions, target,
		header.Via{{
			Proto:     sip.Proto20,
			Transport: sip.TransportWS,
			Addr:      common.HostPort("0.0.0.0", 0),
			Params:    common.Values{}.Set("branch", sip.GenerateBranch()),
		}},
		header.From{NameAddr: header.NameAddr{Uri: fromURI, Params: common.Values{}.Set("tag", sip.GenerateTag())}},
		header.To{NameAddr: header.NameAddr{Uri: toURI}},
		header.CallID(sip.GenerateCallID()),
		header.CSeq{Seq: 1, Method: sip.RequestMethodOptions},
		header.MaxForwards(70),
	)
	req.Headers().Append(header.Any{HeaderName: "X-Request-Random", Value: randomToken(1000)})
	req.Headers().Append(header.Any{HeaderName: "X-Request-Final", Value: "TheEnd"})
	req.SetBody(nil, true)

	if err := clnTpl.SendRequest(context.Background(), req, nil); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	// The client sees both response markers.
	select {
	case res := <-gotRes:
		finals := res.Headers().Get("X-Response-Final")
		if len(finals) != 1 || finals[0].String() != "TheEnd" {
			t.Error("X-Response-Final marker lost in transit")
		}
		randoms := res.Headers().Get("X-Response-Random")
		if len(randoms) != 1 || len(randoms[0].String()) != 1000 {
			t.Error("X-Response-Random payload lost or truncated")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no response within 3s")
	}
}

// Scenario: a STUN-looking datagram on the SIP socket must bypass the SIP
// pipeline and fire the STUN hook with the right endpoints.
func TestE2E_STUNDemultiplex_UDP(t *testing.T) {
	t.Parallel()

	type stunEvent struct {
		remote sip.Endpoint
		size   int
	}
	hook := make(chan stunEvent, 1)

	tpl := sip.NewTransportLayer(nil, &sip.TransportLayerOptions{
		Logger: log.Noop,
		OnSTUN: func(_, remote sip.Endpoint, data []byte) {
			hook <- stunEvent{remote, len(data)}
		},
	})
	ch, err := transport.ListenUDP(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"),
		&transport.Options{Receiver: tpl.Receive, Logger: log.Noop})
	if err != nil {
		t.Fatal(err)
	}
	if err := tpl.AddChannel(ch); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tpl.Close(ctx)
	})

	payload := []byte{
		0x00, 0x01, 0x00, 0x00,
		0x21, 0x12, 0xA4, 0x42,
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12,
	}
	conn, err := net.Dial("udp", ch.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-hook:
		if ev.size != len(payload) {
			t.Errorf("hook got %d bytes, want %d", ev.size, len(payload))
		}
		localUDP := conn.LocalAddr().(*net.UDPAddr)
		if int(ev.remote.Port) != localUDP.Port {
			t.Errorf("hook remote port = %d, want %d", ev.remote.Port, localUDP.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("STUN hook never fired")
	}
}
