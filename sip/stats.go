package sip

import (
	"sync"
	"sync/atomic"
	"time"
)

// StatsReport is a point-in-time snapshot of the stack's counters.
type StatsReport struct {
	Time         time.Time        `json:"time"`
	Channels     []ChannelStats   `json:"channels"`
	Transactions TransactionStats `json:"transactions"`
}

// ChannelStats counts messages through a single channel.
type ChannelStats struct {
	// Proto is the channel transport protocol.
	Proto TransportProto `json:"proto"`
	// LocalAddr is the channel's bound address.
	LocalAddr string `json:"local_addr"`
	// RequestsReceived is the number of received requests.
	RequestsReceived uint64 `json:"requests_received"`
	// RequestsSent is the number of sent requests.
	RequestsSent uint64 `json:"requests_sent"`
	// ResponsesReceived is the number of received responses.
	ResponsesReceived uint64 `json:"responses_received"`
	// ResponsesSent is the number of sent responses.
	ResponsesSent uint64 `json:"responses_sent"`
	// Dropped is the number of inbound payloads dropped before dispatch:
	// pings, junk, queue overflow.
	Dropped uint64 `json:"dropped"`
}

// TransactionStats counts active and total transactions per kind.
type TransactionStats struct {
	InviteClientTransactions         uint64 `json:"invite_client_transactions"`
	NonInviteClientTransactions      uint64 `json:"non_invite_client_transactions"`
	InviteServerTransactions         uint64 `json:"invite_server_transactions"`
	NonInviteServerTransactions      uint64 `json:"non_invite_server_transactions"`
	InviteClientTransactionsTotal    uint64 `json:"invite_client_transactions_total"`
	NonInviteClientTransactionsTotal uint64 `json:"non_invite_client_transactions_total"`
	InviteServerTransactionsTotal    uint64 `json:"invite_server_transactions_total"`
	NonInviteServerTransactionsTotal uint64 `json:"non_invite_server_transactions_total"`
}

// StatsRecorder accumulates per-channel counters for the transport layer.
type StatsRecorder struct {
	mu       sync.Mutex
	channels map[string]*channelCounters
}

type channelCounters struct {
	proto     TransportProto
	localAddr string

	reqIn, reqOut atomic.Uint64
	resIn, resOut atomic.Uint64
	dropped       atomic.Uint64
}

func (sr *StatsRecorder) counters(proto TransportProto, localAddr string) *channelCounters {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.channels == nil {
		sr.channels = make(map[string]*channelCounters)
	}
	key := string(proto) + "/" + localAddr
	c, ok := sr.channels[key]
	if !ok {
		c = &channelCounters{proto: proto, localAddr: localAddr}
		sr.channels[key] = c
	}
	return c
}

func (sr *StatsRecorder) RecordRequestIn(ep Endpoint) {
	sr.counters(ep.Proto, ep.AddrPort().String()).reqIn.Add(1)
}

func (sr *StatsRecorder) RecordRequestOut(ep Endpoint) {
	sr.counters(ep.Proto, ep.AddrPort().String()).reqOut.Add(1)
}

func (sr *StatsRecorder) RecordResponseIn(ep Endpoint) {
	sr.counters(ep.Proto, ep.AddrPort().String()).resIn.Add(1)
}

func (sr *StatsRecorder) RecordResponseOut(ep Endpoint) {
	sr.counters(ep.Proto, ep.AddrPort().String()).resOut.Add(1)
}

func (sr *StatsRecorder) RecordDropped(ep Endpoint) {
	sr.counters(ep.Proto, ep.AddrPort().String()).dropped.Add(1)
}

// ChannelsReport snapshots the per-channel counters.
func (sr *StatsRecorder) ChannelsReport() []ChannelStats {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	out := make([]ChannelStats, 0, len(sr.channels))
	for _, c := range sr.channels {
		out = append(out, ChannelStats{
			Proto:             c.proto,
			LocalAddr:         c.localAddr,
			RequestsReceived:  c.reqIn.Load(),
			RequestsSent:      c.reqOut.Load(),
			ResponsesReceived: c.resIn.Load(),
			ResponsesSent:     c.resOut.Load(),
			Dropped:           c.dropped.Load(),
		})
	}
	return out
}
