package engine

import (
	"context"
	"errors"

	"ledger-todo/domain"
	"ledger-todo/ledger"
)

var testModule = ledger.Module{Address: "0xcafe"}

// stubGateway is a ledger.Gateway without batch reads. Nil funcs fail.
type stubGateway struct {
	readResource func(ctx context.Context, address string) (domain.ListResource, error)
	readEntry    func(ctx context.Context, handle string, req ledger.TableEntryRequest) (domain.Task, error)
	submit       func(ctx context.Context, sender string, payload ledger.EntryFunction) (ledger.TransactionHandle, error)
	await        func(ctx context.Context, tx ledger.TransactionHandle) (ledger.Receipt, error)
}

var errUnexpectedCall = errors.New("unexpected call")

func (s *stubGateway) ReadResource(ctx context.Context, address, _ string) (domain.ListResource, error) {
	if s.readResource == nil {
		return domain.ListResource{}, errUnexpectedCall
	}
	return s.readResource(ctx, address)
}

func (s *stubGateway) ReadTableEntry(ctx context.Context, handle string, req ledger.TableEntryRequest) (domain.Task, error) {
	if s.readEntry == nil {
		return domain.Task{}, errUnexpectedCall
	}
	return s.readEntry(ctx, handle, req)
}

func (s *stubGateway) SubmitTransaction(ctx context.Context, sender string, payload ledger.EntryFunction) (ledger.TransactionHandle, error) {
	if s.submit == nil {
		return ledger.TransactionHandle{Hash: "0xabc", Sender: sender}, nil
	}
	return s.submit(ctx, sender, payload)
}

func (s *stubGateway) AwaitConfirmation(ctx context.Context, tx ledger.TransactionHandle) (ledger.Receipt, error) {
	if s.await == nil {
		return ledger.Receipt{Hash: tx.Hash, Version: 1, Success: true}, nil
	}
	return s.await(ctx, tx)
}
