package sip_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ghettovoice/sipcore/sip"
)

func optionsRaw(seq int) string {
	return fmt.Sprintf("OPTIONS sip:server.example SIP/2.0\r\n"+
		"Via: SIP/2.0/TCP client.example;branch=z9hG4bKopt%d\r\n"+
		"From: <sip:client.example>;tag=t%d\r\n"+
		"To: <sip:server.example>\r\n"+
		"Call-ID: stream-%d\r\n"+
		"CSeq: %d OPTIONS\r\n"+
		"Content-Length: 0\r\n\r\n", seq, seq, seq, seq)
}

func TestStreamParser_SplitAcrossArbitraryBoundaries(t *testing.T) {
	t.Parallel()

	raw := optionsRaw(1) + optionsRaw(2) + optionsRaw(3)
	// Feed one byte at a time: the scanner must retain partial buffers and
	// deliver exactly three messages, no merges, no losses.
	sp := sip.NewStreamParser(nil, 0)
	var got []sip.Message
	for i := 0; i < len(raw); i++ {
		msgs, err := sp.Feed([]byte{raw[i]})
		if err != nil {
			t.Fatalf("Feed() error = %v at byte %d", err, i)
		}
		got = append(got, msgs...)
	}
	if len(got) != 3 {
		t.Fatalf("framed %d messages, want 3", len(got))
	}
	for i, msg := range got {
		callID, _ := msg.Headers().CallID()
		if want := fmt.Sprintf("stream-%d", i+1); string(callID) != want {
			t.Errorf("message %d Call-ID = %q, want %q", i, callID, want)
		}
	}
}

func TestStreamParser_BodyAcrossChunks(t *testing.T) {
	t.Parallel()

	body := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"
	raw := "MESSAGE sip:b SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP a.example;branch=z9hG4bKmsg1\r\n" +
		"CSeq: 1 MESSAGE\r\n" +
		fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)

	sp := sip.NewStreamParser(nil, 0)
	half := len(raw) - len(body)/2
	msgs, err := sp.Feed([]byte(raw[:half]))
	if err != nil {
		t.Fatalf("Feed(first half) error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("message completed before its body arrived")
	}
	msgs, err = sp.Feed([]byte(raw[half:]))
	if err != nil {
		t.Fatalf("Feed(second half) error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("framed %d messages, want 1", len(msgs))
	}
	if string(msgs[0].Body()) != body {
		t.Errorf("body = %q, want %q", msgs[0].Body(), body)
	}
}

func TestStreamParser_SkipsKeepAlives(t *testing.T) {
	t.Parallel()

	sp := sip.NewStreamParser(nil, 0)
	msgs, err := sp.Feed([]byte("\r\n\r\n" + optionsRaw(7) + "\r\n"))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("framed %d messages, want 1", len(msgs))
	}
	// The trailing CRLF stays pending or is skipped on the next feed.
	msgs, err = sp.Feed([]byte(optionsRaw(8)))
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Feed() after keep-alive = %d msgs, %v", len(msgs), err)
	}
}

func TestStreamParser_OversizeMessage(t *testing.T) {
	t.Parallel()

	sp := sip.NewStreamParser(nil, 128)
	big := optionsRaw(1)
	_, err := sp.Feed([]byte(big))
	if !errors.Is(err, sip.ErrMessageTooLarge) {
		t.Fatalf("Feed() error = %v, want ErrMessageTooLarge", err)
	}
}

func TestStreamParser_MissingContentLengthFramesAsBodyless(t *testing.T) {
	t.Parallel()

	raw := "OPTIONS sip:server.example SIP/2.0\r\n" +
		"Via: SIP/2.0/TCP client.example;branch=z9hG4bKnocl\r\n" +
		"CSeq: 9 OPTIONS\r\n\r\n"
	sp := sip.NewStreamParser(nil, 0)
	msgs, err := sp.Feed([]byte(raw))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Body()) != 0 {
		t.Fatalf("framed %d messages, want 1 bodyless", len(msgs))
	}
}
