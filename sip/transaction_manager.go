package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipcore/log"
)

// DefaultMaxPendingTransactions is the default soft cap on transactions
// that retransmit over unreliable transports.
const DefaultMaxPendingTransactions = 5000

// TransactionManagerOptions are the options for a [TransactionManager].
type TransactionManagerOptions struct {
	// MaxPendingTransactions caps the number of transactions running the
	// retransmit schedule. 0 means [DefaultMaxPendingTransactions],
	// negative means unlimited.
	MaxPendingTransactions int
	// DisableRetransmitSending runs the state machine timers but suppresses
	// wire retransmits, for peers that misidentify retransmissions.
	DisableRetransmitSending bool
	// Timings override the SIP timer base values, mainly for tests.
	Timings Timings
	// Logger is the logger. If nil, [log.Default] is used.
	Logger *slog.Logger
}

func (o *TransactionManagerOptions) maxPending() int {
	if o == nil || o.MaxPendingTransactions == 0 {
		return DefaultMaxPendingTransactions
	}
	return o.MaxPendingTransactions
}

func (o *TransactionManagerOptions) timings() Timings {
	if o == nil {
		return Timings{}
	}
	return o.Timings
}

func (o *TransactionManagerOptions) disableRetransmit() bool {
	return o != nil && o.DisableRetransmitSending
}

func (o *TransactionManagerOptions) log() *slog.Logger {
	if o == nil || o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// TransactionManager is the transaction engine: it creates transactions,
// matches inbound messages to them and enforces the pending cap.
type TransactionManager struct {
	maxPending        int
	timings           Timings
	disableRetransmit bool
	log               *slog.Logger

	mu        sync.RWMutex
	clientTxs map[TransactionKey]ClientTransaction
	serverTxs map[TransactionKey]ServerTransaction

	pending atomic.Int64
	stats   transactionCounters

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type transactionCounters struct {
	clientInvite, clientNonInvite    atomic.Int64
	serverInvite, serverNonInvite    atomic.Int64
	clientInviteTotal, clientNITotal atomic.Uint64
	serverInviteTotal, serverNITotal atomic.Uint64
}

// NewTransactionManager creates a new [TransactionManager].
// Options are optional; nil means defaults.
func NewTransactionManager(opts *TransactionManagerOptions) *TransactionManager {
	return &TransactionManager{
		maxPending:        opts.maxPending(),
		timings:           opts.timings(),
		disableRetransmit: opts.disableRetransmit(),
		log:               opts.log(),
		clientTxs:         make(map[TransactionKey]ClientTransaction),
		serverTxs:         make(map[TransactionKey]ServerTransaction),
	}
}

// NewClientTransaction creates a UAC transaction for req and sends it.
func (txm *TransactionManager) NewClientTransaction(
	ctx context.Context,
	req *Request,
	sender Sender,
) (ClientTransaction, error) {
	if txm.closed.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}
	key, err := ClientTransactionKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	unreliable := !req.RemoteEndpoint().Proto.IsReliable()
	if err := txm.reserve(key, unreliable, false); err != nil {
		return nil, errtrace.Wrap(err)
	}

	active := &txm.stats.clientNonInvite
	if req.IsInvite() {
		active = &txm.stats.clientInvite
		txm.stats.clientInviteTotal.Add(1)
	} else {
		txm.stats.clientNITotal.Add(1)
	}
	active.Add(1)

	opts := &transactOptions{
		Timings:           txm.timings,
		DisableRetransmit: txm.disableRetransmit,
		Logger:            txm.log,
		OnTerminate: func() {
			txm.release(key, unreliable, false)
			active.Add(-1)
		},
	}

	var tx ClientTransaction
	if req.IsInvite() {
		tx, err = NewInviteClientTransaction(ctx, key, req, sender, opts)
	} else {
		tx, err = NewNonInviteClientTransaction(ctx, key, req, sender, opts)
	}
	if err != nil {
		txm.release(key, unreliable, false)
		active.Add(-1)
		return nil, errtrace.Wrap(err)
	}

	txm.mu.Lock()
	txm.clientTxs[key] = tx
	txm.mu.Unlock()
	return tx, nil
}

// NewServerTransaction creates a UAS transaction for a received request.
func (txm *TransactionManager) NewServerTransaction(
	ctx context.Context,
	req *Request,
	sender Sender,
) (ServerTransaction, error) {
	if txm.closed.Load() {
		return nil, errtrace.Wrap(ErrTransactionManagerClosed)
	}
	key, err := TransactionKeyFromMessage(req)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	unreliable := !req.RemoteEndpoint().Proto.IsReliable()
	if err := txm.reserve(key, unreliable, true); err != nil {
		return nil, errtrace.Wrap(err)
	}

	active := &txm.stats.serverNonInvite
	if req.IsInvite() {
		active = &txm.stats.serverInvite
		txm.stats.serverInviteTotal.Add(1)
	} else {
		txm.stats.serverNITotal.Add(1)
	}
	active.Add(1)

	opts := &transactOptions{
		Timings:           txm.timings,
		DisableRetransmit: txm.disableRetransmit,
		Logger:            txm.log,
		OnTerminate: func() {
			txm.release(key, unreliable, true)
			active.Add(-1)
		},
	}

	var tx ServerTransaction
	if req.IsInvite() {
		tx, err = NewInviteServerTransaction(ctx, key, req, sender, opts)
	} else {
		tx, err = NewNonInviteServerTransaction(ctx, key, req, sender, opts)
	}
	if err != nil {
		txm.release(key, unreliable, true)
		active.Add(-1)
		return nil, errtrace.Wrap(err)
	}

	txm.mu.Lock()
	txm.serverTxs[key] = tx
	txm.mu.Unlock()
	return tx, nil
}

// reserve checks the duplicate key and pending cap before a transaction
// is constructed. The engine never silently drops: overflow is an error
// to the caller.
func (txm *TransactionManager) reserve(key TransactionKey, unreliable, server bool) error {
	txm.mu.RLock()
	var exists bool
	if server {
		_, exists = txm.serverTxs[key]
	} else {
		_, exists = txm.clientTxs[key]
	}
	txm.mu.RUnlock()
	if exists {
		return errtrace.Wrap(ErrTransactionExists)
	}
	if unreliable {
		if n := txm.pending.Add(1); txm.maxPending > 0 && n > int64(txm.maxPending) {
			txm.pending.Add(-1)
			return errtrace.Wrap(ErrTooManyTransactions)
		}
	}
	return nil
}

func (txm *TransactionManager) release(key TransactionKey, unreliable, server bool) {
	txm.mu.Lock()
	if server {
		delete(txm.serverTxs, key)
	} else {
		delete(txm.clientTxs, key)
	}
	txm.mu.Unlock()
	if unreliable {
		txm.pending.Add(-1)
	}
}

// ClientTransaction returns the tracked client transaction for the key.
func (txm *TransactionManager) ClientTransaction(key TransactionKey) (ClientTransaction, bool) {
	txm.mu.RLock()
	defer txm.mu.RUnlock()
	tx, ok := txm.clientTxs[key]
	return tx, ok
}

// ServerTransaction returns the tracked server transaction for the key.
func (txm *TransactionManager) ServerTransaction(key TransactionKey) (ServerTransaction, bool) {
	txm.mu.RLock()
	defer txm.mu.RUnlock()
	tx, ok := txm.serverTxs[key]
	return tx, ok
}

// HandleRequest matches an inbound request against tracked transactions:
// retransmits replay the buffered response, ACK confirms a completed INVITE,
// CANCEL terminates the matching INVITE. It reports whether the request was
// consumed; an unmatched request belongs to the TU.
func (txm *TransactionManager) HandleRequest(ctx context.Context, req *Request) (bool, error) {
	key, err := TransactionKeyFromMessage(req)
	if err != nil {
		return false, errtrace.Wrap(err)
	}

	if tx, ok := txm.ServerTransaction(key); ok {
		switch v := tx.(type) {
		case *InviteServerTransaction:
			v.HandleRequest(req)
		case *NonInviteServerTransaction:
			v.HandleRequest(req)
		}
		return true, nil
	}

	switch {
	case req.IsCancel():
		target, err := cancelTargetKey(req)
		if err != nil {
			return false, errtrace.Wrap(err)
		}
		tx, ok := txm.ServerTransaction(target)
		if !ok {
			return false, nil
		}
		invTx, ok := tx.(*InviteServerTransaction)
		if !ok {
			return false, nil
		}
		invTx.HandleCancel(req)
		// The CANCEL itself gets its own transaction and an immediate 200.
		cancelTx, err := txm.NewServerTransaction(ctx, req, invTx.sender)
		if err != nil {
			txm.log.LogAttrs(ctx, slog.LevelWarn,
				"CANCEL transaction setup failed",
				slog.Any("error", err),
			)
			return true, nil
		}
		_ = cancelTx.Respond(NewResponseFromRequest(req, StatusOK, ""))
		return true, nil
	case req.Method().Equal(RequestMethodPrack):
		// A PRACK stops reliable provisional retransmits of the matching
		// INVITE server transaction, then continues to the TU as a
		// regular request.
		txm.prackReceived(req)
		return false, nil
	}
	return false, nil
}

// prackReceived scans INVITE server transactions sharing the PRACK's
// Call-ID and stops their reliable provisional schedule.
func (txm *TransactionManager) prackReceived(prack *Request) {
	callID, ok := prack.Headers().CallID()
	if !ok {
		return
	}
	txm.mu.RLock()
	defer txm.mu.RUnlock()
	for _, tx := range txm.serverTxs {
		invTx, ok := tx.(*InviteServerTransaction)
		if !ok {
			continue
		}
		if id, ok := invTx.Origin().Headers().CallID(); ok && id == callID {
			invTx.PrackReceived()
		}
	}
}

// HandleResponse matches an inbound response against client transactions.
// It reports whether the response was consumed.
func (txm *TransactionManager) HandleResponse(_ context.Context, res *Response) (bool, error) {
	key, err := ClientTransactionKeyFromMessage(res)
	if err != nil {
		return false, errtrace.Wrap(err)
	}
	tx, ok := txm.ClientTransaction(key)
	if !ok {
		return false, nil
	}
	switch v := tx.(type) {
	case *InviteClientTransaction:
		v.HandleResponse(res)
	case *NonInviteClientTransaction:
		v.HandleResponse(res)
	}
	return true, nil
}

// Stats returns a snapshot of the transaction counters.
func (txm *TransactionManager) Stats() TransactionStats {
	return TransactionStats{
		InviteClientTransactions:         uint64(txm.stats.clientInvite.Load()),
		NonInviteClientTransactions:      uint64(txm.stats.clientNonInvite.Load()),
		InviteServerTransactions:         uint64(txm.stats.serverInvite.Load()),
		NonInviteServerTransactions:      uint64(txm.stats.serverNonInvite.Load()),
		InviteClientTransactionsTotal:    txm.stats.clientInviteTotal.Load(),
		NonInviteClientTransactionsTotal: txm.stats.clientNITotal.Load(),
		InviteServerTransactionsTotal:    txm.stats.serverInviteTotal.Load(),
		NonInviteServerTransactionsTotal: txm.stats.serverNITotal.Load(),
	}
}

// Close terminates every tracked transaction and waits for them to finish
// or ctx to expire. Close is idempotent.
func (txm *TransactionManager) Close(ctx context.Context) error {
	txm.closeOnce.Do(func() {
		txm.closed.Store(true)

		txm.mu.RLock()
		all := make([]Transaction, 0, len(txm.clientTxs)+len(txm.serverTxs))
		for _, tx := range txm.clientTxs {
			all = append(all, tx)
		}
		for _, tx := range txm.serverTxs {
			all = append(all, tx)
		}
		txm.mu.RUnlock()

		for _, tx := range all {
			tx.Terminate()
		}
		for _, tx := range all {
			select {
			case <-tx.Done():
			case <-ctx.Done():
				txm.closeErr = errtrace.Wrap(ctx.Err())
				return
			}
		}
	})
	return txm.closeErr
}
