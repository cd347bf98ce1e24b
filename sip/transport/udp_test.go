package transport_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/ghettovoice/sipcore/log"
	"github.com/ghettovoice/sipcore/sip"
	"github.com/ghettovoice/sipcore/sip/transport"
)

type recvPayload struct {
	local, remote sip.Endpoint
	data          []byte
}

func listenUDP(t *testing.T, recv sip.ChannelReceiver) *transport.UDP {
	t.Helper()
	ch, err := transport.ListenUDP(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"),
		&transport.Options{Receiver: recv, Logger: log.Noop})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { _ = ch.Close(context.Background()) })
	return ch
}

func TestUDP_SendReceive(t *testing.T) {
	t.Parallel()

	got := make(chan recvPayload, 1)
	server := listenUDP(t, func(local, remote sip.Endpoint, data []byte) {
		got <- recvPayload{local, remote, data}
	})
	client := listenUDP(t, nil)

	dst := sip.EndpointFromAddrPort(sip.TransportUDP, server.LocalAddr())
	payload := []byte("OPTIONS sip:x SIP/2.0\r\n\r\n")
	if _, err := client.Send(context.Background(), dst, payload, true, ""); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case p := <-got:
		if string(p.data) != string(payload) {
			t.Errorf("received %q", p.data)
		}
		if p.remote.Port != client.LocalAddr().Port() {
			t.Errorf("remote port = %d, want %d", p.remote.Port, client.LocalAddr().Port())
		}
		if p.local.ChannelID != server.ID() {
			t.Error("local endpoint must name the receiving channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never delivered")
	}
}

func TestUDP_WildcardListeningAddrs(t *testing.T) {
	t.Parallel()

	ch, err := transport.ListenUDP(context.Background(), netip.MustParseAddrPort("0.0.0.0:0"),
		&transport.Options{Logger: log.Noop})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer ch.Close(context.Background())

	addrs := ch.ListeningAddrs()
	if len(addrs) == 0 {
		t.Fatal("a wildcard bind must enumerate machine addresses")
	}
	port := ch.LocalAddr().Port()
	for _, a := range addrs {
		if a.Port() != port {
			t.Errorf("listening addr %s lost the bound port %d", a, port)
		}
		if a.Addr().Is4() && a.Addr().IsUnspecified() && len(addrs) > 1 {
			t.Errorf("wildcard address leaked into the expansion: %v", addrs)
		}
	}
}

func TestTCP_NoInitiateWithoutPermission(t *testing.T) {
	t.Parallel()

	ch := transport.NewTCPClient(&transport.Options{Logger: log.Noop})
	defer ch.Close(context.Background())

	dst := sip.EndpointFromAddrPort(sip.TransportTCP, netip.MustParseAddrPort("127.0.0.1:1"))
	_, err := ch.Send(context.Background(), dst, []byte("x"), false, "")
	if !errors.Is(err, sip.ErrSocketNotConnected) {
		t.Fatalf("Send() error = %v, want ErrSocketNotConnected", err)
	}
}

func TestTCP_ConnectionReuse(t *testing.T) {
	t.Parallel()

	accepted := make(chan sip.Endpoint, 4)
	srv, err := transport.ListenTCP(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"),
		&transport.Options{
			Logger: log.Noop,
			Receiver: func(_, remote sip.Endpoint, _ []byte) {
				accepted <- remote
			},
		})
	if err != nil {
		t.Fatalf("ListenTCP() error = %v", err)
	}
	defer srv.Close(context.Background())

	cln := transport.NewTCPClient(&transport.Options{Logger: log.Noop})
	defer cln.Close(context.Background())

	dst := sip.EndpointFromAddrPort(sip.TransportTCP, srv.LocalAddr())
	msg := []byte("OPTIONS sip:x SIP/2.0\r\nContent-Length: 0\r\n\r\n")

	connID1, err := cln.Send(context.Background(), dst, msg, true, "")
	if err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	connID2, err := cln.Send(context.Background(), dst, msg, false, connID1)
	if err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if connID1 != connID2 {
		t.Errorf("connection not reused: %q vs %q", connID1, connID2)
	}

	var remotes []sip.Endpoint
	deadline := time.After(2 * time.Second)
	for len(remotes) < 2 {
		select {
		case r := <-accepted:
			remotes = append(remotes, r)
		case <-deadline:
			t.Fatalf("server framed %d messages, want 2", len(remotes))
		}
	}
	if remotes[0].ConnID != remotes[1].ConnID {
		t.Error("both messages must arrive over the same server-side session")
	}
}
