package sip_test

import (
	"testing"

	"github.com/ghettovoice/sipcore/sip"
)

func parseReq(t *testing.T, raw string) *sip.Request {
	t.Helper()
	req, err := sip.ParseRequest([]byte(raw), nil)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	return req
}

func parseRes(t *testing.T, raw string) *sip.Response {
	t.Helper()
	res, err := sip.ParseResponse([]byte(raw), nil)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	return res
}

const inviteForKey = "INVITE sip:dummy@127.0.0.1:12014 SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 127.0.0.1:9998;branch=z9hG4bK5f37455955ca433a902f8fea0ce2dc27\r\n" +
	"From: <sip:caller@127.0.0.1>;tag=callertag\r\n" +
	"To: <sip:dummy@127.0.0.1>\r\n" +
	"Call-ID: 8ae45c15425040179a4285d774ccbaf6\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Content-Length: 0\r\n\r\n"

func TestTransactionKey_RequestResponseMatch(t *testing.T) {
	t.Parallel()

	req := parseReq(t, inviteForKey)
	res := parseRes(t, "SIP/2.0 603 Nothing listening\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:9998;branch=z9hG4bK5f37455955ca433a902f8fea0ce2dc27\r\n"+
		"From: <sip:caller@127.0.0.1>;tag=callertag\r\n"+
		"To: <sip:dummy@127.0.0.1>;tag=srvtag\r\n"+
		"Call-ID: 8ae45c15425040179a4285d774ccbaf6\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"Content-Length: 0\r\n\r\n")

	reqKey, err := sip.ClientTransactionKeyFromMessage(req)
	if err != nil {
		t.Fatalf("key(request) error = %v", err)
	}
	resKey, err := sip.ClientTransactionKeyFromMessage(res)
	if err != nil {
		t.Fatalf("key(response) error = %v", err)
	}
	if reqKey != resKey {
		t.Errorf("request and response keys differ: %q vs %q", reqKey, resKey)
	}

	// The server-side derivation agrees as long as the sent-by is stable.
	srvReqKey, _ := sip.TransactionKeyFromMessage(req)
	srvResKey, _ := sip.TransactionKeyFromMessage(res)
	if srvReqKey != srvResKey {
		t.Errorf("server keys differ: %q vs %q", srvReqKey, srvResKey)
	}
}

func TestTransactionKey_AckMatchesInvite(t *testing.T) {
	t.Parallel()

	invite := parseReq(t, inviteForKey)
	ack := parseReq(t, "ACK sip:dummy@127.0.0.1:12014 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:9998;branch=z9hG4bK5f37455955ca433a902f8fea0ce2dc27\r\n"+
		"From: <sip:caller@127.0.0.1>;tag=callertag\r\n"+
		"To: <sip:dummy@127.0.0.1>;tag=srvtag\r\n"+
		"Call-ID: 8ae45c15425040179a4285d774ccbaf6\r\n"+
		"CSeq: 1 ACK\r\n"+
		"Content-Length: 0\r\n\r\n")

	inviteKey, _ := sip.TransactionKeyFromMessage(invite)
	ackKey, _ := sip.TransactionKeyFromMessage(ack)
	if inviteKey != ackKey {
		t.Errorf("ACK must derive the INVITE's key: %q vs %q", ackKey, inviteKey)
	}
}

func TestTransactionKey_DifferentBranchesDiffer(t *testing.T) {
	t.Parallel()

	req1 := parseReq(t, inviteForKey)
	req2 := parseReq(t, inviteForKey)
	via, _ := req2.Headers().FirstVia()
	via.Params.Set("branch", "z9hG4bKother")

	k1, _ := sip.TransactionKeyFromMessage(req1)
	k2, _ := sip.TransactionKeyFromMessage(req2)
	if k1 == k2 {
		t.Error("different branches must produce different keys")
	}
}

func TestTransactionKey_MethodDisambiguates(t *testing.T) {
	t.Parallel()

	invite := parseReq(t, inviteForKey)
	cancel := parseReq(t, "CANCEL sip:dummy@127.0.0.1:12014 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:9998;branch=z9hG4bK5f37455955ca433a902f8fea0ce2dc27\r\n"+
		"From: <sip:caller@127.0.0.1>;tag=callertag\r\n"+
		"To: <sip:dummy@127.0.0.1>\r\n"+
		"Call-ID: 8ae45c15425040179a4285d774ccbaf6\r\n"+
		"CSeq: 1 CANCEL\r\n"+
		"Content-Length: 0\r\n\r\n")

	inviteKey, _ := sip.TransactionKeyFromMessage(invite)
	cancelKey, _ := sip.TransactionKeyFromMessage(cancel)
	if inviteKey == cancelKey {
		t.Error("CANCEL forms its own transaction, its key must differ from the INVITE's")
	}
}

func TestTransactionKey_LegacyFallback(t *testing.T) {
	t.Parallel()

	// RFC 2543 peer: no magic cookie on the branch.
	legacy := "OPTIONS sip:server.example SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP client.example:5060;branch=1\r\n" +
		"From: <sip:caller@client.example>;tag=old\r\n" +
		"To: <sip:server.example>\r\n" +
		"Call-ID: legacy-1\r\n" +
		"CSeq: 2 OPTIONS\r\n" +
		"Content-Length: 0\r\n\r\n"
	req1 := parseReq(t, legacy)
	req2 := parseReq(t, legacy)

	k1, err := sip.TransactionKeyFromMessage(req1)
	if err != nil {
		t.Fatalf("legacy key error = %v", err)
	}
	k2, _ := sip.TransactionKeyFromMessage(req2)
	if k1 != k2 {
		t.Error("legacy key derivation must be deterministic")
	}

	// A retransmit with a different CSeq is a different transaction.
	req3 := parseReq(t, legacy)
	cseq, _ := req3.Headers().CSeq()
	cseq.Seq = 3
	k3, _ := sip.TransactionKeyFromMessage(req3)
	if k1 == k3 {
		t.Error("legacy keys must cover CSeq")
	}
}

func TestTransactionKey_NoViaFails(t *testing.T) {
	t.Parallel()

	req := sip.NewRequest(sip.RequestMethodOptions, nil)
	if _, err := sip.TransactionKeyFromMessage(req); err == nil {
		t.Error("a message without Via has no transaction key")
	}
}
