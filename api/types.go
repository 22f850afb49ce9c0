package api

import (
	"context"

	"ledger-todo/domain"
)

// Engine is the sync engine the handlers drive.
type Engine interface {
	SelectAccount(ctx context.Context, account string) error
	Snapshot() domain.Snapshot
	Subscribe() (<-chan domain.Snapshot, func())
	CreateList(ctx context.Context) error
	SubmitCreate(ctx context.Context, content string) (domain.Task, error)
	SubmitComplete(ctx context.Context, taskID uint64) error
	Resync(ctx context.Context) error
}

// Authenticator is implemented by types able to extract the session
// account from an Authorization header.
type Authenticator interface {
	AccountFromAuthHeader(string) (string, error)
}

// Deduper prevents a retried request from creating a task twice.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, account, key string) (bool, error)
	// Resolve stores the task id the key produced.
	Resolve(ctx context.Context, account, key string, taskID uint64) error
	// Lookup returns the task id of a resolved key.
	Lookup(ctx context.Context, account, key string) (uint64, bool, error)
	// Remove deletes a previously added key, used when the submission fails.
	Remove(ctx context.Context, account, key string) error
}

type createTaskRequest struct {
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type createTaskResponse struct {
	Task           domain.Task `json:"task"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Duplicate      bool        `json:"duplicate,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	TaskID uint64 `json:"taskId,omitempty"`
}
