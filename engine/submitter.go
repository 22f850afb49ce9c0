package engine

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"ledger-todo/domain"
	"ledger-todo/ledger"
)

// Submitter sends todolist transactions and waits for their confirmation.
// Every call submits exactly one transaction; nothing is retried.
type Submitter struct {
	gw     ledger.Gateway
	module ledger.Module
	logger *log.Logger
}

func NewSubmitter(gw ledger.Gateway, module ledger.Module, logger *log.Logger) *Submitter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Submitter{gw: gw, module: module, logger: logger}
}

func (s *Submitter) SubmitCreateList(ctx context.Context, account string) (ledger.Receipt, error) {
	return s.submit(ctx, account, s.module.CreateList())
}

func (s *Submitter) SubmitCreate(ctx context.Context, account, content string) (ledger.Receipt, error) {
	return s.submit(ctx, account, s.module.CreateTask(content))
}

func (s *Submitter) SubmitComplete(ctx context.Context, account string, taskID uint64) (ledger.Receipt, error) {
	return s.submit(ctx, account, s.module.CompleteTask(taskID))
}

func (s *Submitter) submit(ctx context.Context, account string, payload ledger.EntryFunction) (ledger.Receipt, error) {
	start := time.Now()
	entry := s.logger.WithFields(log.Fields{"account": account, "function": payload.Function})

	tx, err := s.gw.SubmitTransaction(ctx, account, payload)
	if err != nil {
		reason := domain.SubmitFailed
		if errors.Is(err, ledger.ErrUserRejected) {
			reason = domain.UserRejected
		}
		entry.WithFields(log.Fields{"reason": reason, "error": err}).Warn("transaction not submitted")
		return ledger.Receipt{}, &domain.SubmitError{Reason: reason, Function: payload.Function, Err: err}
	}

	entry = entry.WithField("hash", tx.Hash)
	rcpt, err := s.gw.AwaitConfirmation(ctx, tx)
	if err != nil {
		// Anything but an explicit rejection leaves the outcome unknown.
		reason := domain.Timeout
		var vmErr *ledger.VMError
		if errors.As(err, &vmErr) {
			reason = domain.LedgerRejected
		}
		entry.WithFields(log.Fields{"reason": reason, "error": err}).Warn("transaction not confirmed")
		return rcpt, &domain.SubmitError{Reason: reason, Function: payload.Function, Err: err}
	}
	entry.WithFields(log.Fields{"version": rcpt.Version, "confirm_ms": durationToMillis(time.Since(start))}).Info("transaction confirmed")
	return rcpt, nil
}
