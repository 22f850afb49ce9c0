package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"ledger-todo/domain"
)

var (
	// ErrNotFound is returned by ReadResource and ReadTableEntry when the
	// ledger has no value at the requested location.
	ErrNotFound = domain.ErrNotFound
	// ErrTimeout means the transaction was not observed as committed in time.
	ErrTimeout = errors.New("confirmation timed out")
	// ErrUserRejected is returned by a Signer when the wallet refused to sign.
	ErrUserRejected = errors.New("rejected by user")
)

// EntryFunction is the payload of an entry function transaction.
type EntryFunction struct {
	Function      string   `json:"function"`
	TypeArguments []string `json:"type_arguments"`
	Arguments     []string `json:"arguments"`
}

// TableEntryRequest addresses one entry of a ledger table.
type TableEntryRequest struct {
	KeyType   string `json:"key_type"`
	ValueType string `json:"value_type"`
	Key       string `json:"key"`
}

// TransactionHandle identifies a submitted transaction.
type TransactionHandle struct {
	Hash   string `json:"hash"`
	Sender string `json:"sender,omitempty"`
}

// Receipt is the committed outcome of a transaction.
type Receipt struct {
	Hash     string `json:"hash"`
	Version  uint64 `json:"version,string"`
	Success  bool   `json:"success"`
	VMStatus string `json:"vm_status"`
}

// VMError is returned by AwaitConfirmation when the transaction was committed
// but its execution failed.
type VMError struct {
	Hash     string
	VMStatus string
}

func (e *VMError) Error() string {
	return fmt.Sprintf("transaction %s failed: %s", e.Hash, e.VMStatus)
}

// EntryError reports a failed lookup of a single table key.
type EntryError struct {
	Key uint64
	Err error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("table entry %d: %v", e.Key, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Gateway is the narrow view of the ledger the sync engine depends on.
type Gateway interface {
	ReadResource(ctx context.Context, address, resourceType string) (domain.ListResource, error)
	ReadTableEntry(ctx context.Context, handle string, req TableEntryRequest) (domain.Task, error)
	SubmitTransaction(ctx context.Context, sender string, payload EntryFunction) (TransactionHandle, error)
	AwaitConfirmation(ctx context.Context, tx TransactionHandle) (Receipt, error)
}

// BatchReader is implemented by gateways able to read many table keys in one
// call. Results are returned in the order of keys.
type BatchReader interface {
	ReadTableEntries(ctx context.Context, handle string, req TableEntryRequest, keys []uint64) ([]domain.Task, error)
}

// Signer signs and submits transactions on behalf of an account. Key
// material never leaves the signer.
type Signer interface {
	SignAndSubmit(ctx context.Context, sender string, payload EntryFunction) (TransactionHandle, error)
}

// Module names the todolist Move module published at Address.
type Module struct {
	Address string
}

func (m Module) ResourceType() string { return m.Address + "::todolist::TodoList" }

func (m Module) TaskType() string { return m.Address + "::todolist::Task" }

func (m Module) Function(name string) string { return m.Address + "::todolist::" + name }

// TaskEntry builds the table lookup for task key.
func (m Module) TaskEntry(key uint64) TableEntryRequest {
	return TableEntryRequest{KeyType: "u64", ValueType: m.TaskType(), Key: strconv.FormatUint(key, 10)}
}

func (m Module) CreateList() EntryFunction {
	return EntryFunction{Function: m.Function("create_list"), TypeArguments: []string{}, Arguments: []string{}}
}

func (m Module) CreateTask(content string) EntryFunction {
	return EntryFunction{Function: m.Function("create_task"), TypeArguments: []string{}, Arguments: []string{content}}
}

func (m Module) CompleteTask(taskID uint64) EntryFunction {
	return EntryFunction{
		Function:      m.Function("complete_task"),
		TypeArguments: []string{},
		Arguments:     []string{strconv.FormatUint(taskID, 10)},
	}
}
