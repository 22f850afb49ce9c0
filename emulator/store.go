package emulator

import (
	"context"
	"errors"

	"ledger-todo/domain"
	"ledger-todo/ledger"
)

var (
	// ErrConcurrencyConflict indicates that the store rejected an update
	// because a newer version of the record is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrAlreadyExists is returned by inserts of an existing key.
	ErrAlreadyExists = errors.New("already exists")
)

// ListRecord is the persisted TodoList resource.
type ListRecord struct {
	Address     string
	TaskCounter uint64
	TableHandle string
	ETag        string
}

// EntryRecord is one persisted task table entry.
type EntryRecord struct {
	Handle string
	Key    uint64
	Task   domain.Task
	ETag   string
}

// Store persists ledger state. Getters return nil, nil when the record is absent.
type Store interface {
	GetList(ctx context.Context, address string) (*ListRecord, error)
	InsertList(ctx context.Context, rec ListRecord) error
	UpdateList(ctx context.Context, rec ListRecord, etag string) error

	GetEntry(ctx context.Context, handle string, key uint64) (*EntryRecord, error)
	ListEntries(ctx context.Context, handle string, from, to uint64) ([]EntryRecord, error)
	InsertEntry(ctx context.Context, rec EntryRecord) error
	UpdateEntry(ctx context.Context, rec EntryRecord, etag string) error

	GetReceipt(ctx context.Context, hash string) (*ledger.Receipt, error)
	PutReceipt(ctx context.Context, rcpt ledger.Receipt) error
}
