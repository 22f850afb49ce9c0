package emulator

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ledger-todo/domain"
	"ledger-todo/ledger"
)

// Approver stands in for the wallet prompt. A non-nil error rejects the
// transaction before it is submitted.
type Approver func(sender string, payload ledger.EntryFunction) error

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Approve Approver
	Poll    ledger.PollConfig
	Logger  *log.Logger
	// Notify is told about applied transactions by NewMemoryGateway.
	Notify Notifier
}

// Gateway serves ledger reads from a Store and submits transactions to a
// Queue. It implements ledger.Gateway, ledger.BatchReader and ledger.Signer.
type Gateway struct {
	module  ledger.Module
	store   Store
	queue   Queue
	approve Approver
	poll    ledger.PollConfig
	logger  *log.Logger
}

func NewGateway(module ledger.Module, store Store, queue Queue, opts GatewayOptions) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Gateway{module: module, store: store, queue: queue, approve: opts.Approve, poll: opts.Poll, logger: logger}
}

// NewMemoryGateway returns a self-contained in-process ledger that commits
// transactions as soon as they are submitted.
func NewMemoryGateway(module ledger.Module, opts GatewayOptions) (*Gateway, *MemoryStore) {
	store := NewMemoryStore()
	exec := NewExecutor(module, store, opts.Logger)
	if opts.Poll.Initial <= 0 {
		opts.Poll.Initial = time.Millisecond
	}
	return NewGateway(module, store, NewInlineQueue(exec, opts.Notify), opts), store
}

func (g *Gateway) ReadResource(ctx context.Context, address, resourceType string) (domain.ListResource, error) {
	if resourceType != g.module.ResourceType() {
		return domain.ListResource{}, ledger.ErrNotFound
	}
	rec, err := g.store.GetList(ctx, address)
	if err != nil {
		return domain.ListResource{}, &domain.GatewayError{Op: "read resource", Err: err}
	}
	if rec == nil {
		return domain.ListResource{}, ledger.ErrNotFound
	}
	return domain.ListResource{Address: address, TaskCounter: rec.TaskCounter, TableHandle: rec.TableHandle}, nil
}

func (g *Gateway) checkEntryRequest(req ledger.TableEntryRequest) error {
	if req.KeyType != "u64" || req.ValueType != g.module.TaskType() {
		return &domain.GatewayError{Op: "read table entry", Err: fmt.Errorf("unsupported entry types %s -> %s", req.KeyType, req.ValueType)}
	}
	return nil
}

func (g *Gateway) ReadTableEntry(ctx context.Context, handle string, req ledger.TableEntryRequest) (domain.Task, error) {
	if err := g.checkEntryRequest(req); err != nil {
		return domain.Task{}, err
	}
	key, err := strconv.ParseUint(req.Key, 10, 64)
	if err != nil {
		return domain.Task{}, &domain.GatewayError{Op: "read table entry", Err: err}
	}
	rec, err := g.store.GetEntry(ctx, handle, key)
	if err != nil {
		return domain.Task{}, &domain.GatewayError{Op: "read table entry", Err: err}
	}
	if rec == nil {
		return domain.Task{}, ledger.ErrNotFound
	}
	return rec.Task, nil
}

// ReadTableEntries reads keys with a single range scan.
func (g *Gateway) ReadTableEntries(ctx context.Context, handle string, req ledger.TableEntryRequest, keys []uint64) ([]domain.Task, error) {
	if len(keys) == 0 {
		return []domain.Task{}, nil
	}
	if err := g.checkEntryRequest(req); err != nil {
		return nil, err
	}
	lo, hi := keys[0], keys[0]
	for _, k := range keys {
		if k < lo {
			lo = k
		}
		if k > hi {
			hi = k
		}
	}
	recs, err := g.store.ListEntries(ctx, handle, lo, hi)
	if err != nil {
		return nil, &domain.GatewayError{Op: "read table entries", Err: err}
	}
	byKey := make(map[uint64]domain.Task, len(recs))
	for _, r := range recs {
		byKey[r.Key] = r.Task
	}
	out := make([]domain.Task, len(keys))
	for i, k := range keys {
		t, ok := byKey[k]
		if !ok {
			return nil, &ledger.EntryError{Key: k, Err: ledger.ErrNotFound}
		}
		out[i] = t
	}
	return out, nil
}

// SignAndSubmit approves and queues payload for sender.
func (g *Gateway) SignAndSubmit(ctx context.Context, sender string, payload ledger.EntryFunction) (ledger.TransactionHandle, error) {
	if g.approve != nil {
		if err := g.approve(sender, payload); err != nil {
			return ledger.TransactionHandle{}, fmt.Errorf("%w: %v", ledger.ErrUserRejected, err)
		}
	}
	id := uuid.New()
	tx := Transaction{
		Hash:        "0x" + hex.EncodeToString(id[:]),
		Sender:      sender,
		Payload:     payload,
		SubmittedAt: time.Now().UnixNano(),
	}
	if err := g.queue.Enqueue(ctx, tx); err != nil {
		return ledger.TransactionHandle{}, err
	}
	g.logger.WithFields(log.Fields{"hash": tx.Hash, "sender": sender, "function": payload.Function}).Debug("transaction submitted")
	return ledger.TransactionHandle{Hash: tx.Hash, Sender: sender}, nil
}

func (g *Gateway) SubmitTransaction(ctx context.Context, sender string, payload ledger.EntryFunction) (ledger.TransactionHandle, error) {
	return g.SignAndSubmit(ctx, sender, payload)
}

func (g *Gateway) AwaitConfirmation(ctx context.Context, tx ledger.TransactionHandle) (ledger.Receipt, error) {
	return ledger.Poll(ctx, g.poll, func(ctx context.Context) (ledger.Receipt, bool, error) {
		rcpt, err := g.store.GetReceipt(ctx, tx.Hash)
		if err != nil {
			if ctx.Err() != nil {
				return ledger.Receipt{}, false, ctx.Err()
			}
			g.logger.WithFields(log.Fields{"hash": tx.Hash, "error": err}).Debug("receipt lookup failed")
			return ledger.Receipt{}, false, nil
		}
		if rcpt == nil {
			return ledger.Receipt{}, false, nil
		}
		return *rcpt, true, nil
	})
}
