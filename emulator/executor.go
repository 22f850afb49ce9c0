package emulator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ledger-todo/domain"
	"ledger-todo/ledger"
)

// Abort codes raised by the todolist module.
const (
	ENotInitialized    = 1
	ETaskDoesntExist   = 2
	ETaskIsCompleted   = 3
	statusExecuted     = "Executed successfully"
	statusAlreadyExist = "RESOURCE_ALREADY_EXISTS"
	maxConflictRetries = 16
)

var abortNames = map[int]string{
	ENotInitialized:  "E_NOT_INITIALIZED",
	ETaskDoesntExist: "ETASK_DOESNT_EXIST",
	ETaskIsCompleted: "ETASK_IS_COMPLETED",
}

// Transaction is a signed entry function call waiting to be executed.
type Transaction struct {
	Hash        string               `json:"hash"`
	Sender      string               `json:"sender"`
	Payload     ledger.EntryFunction `json:"payload"`
	SubmittedAt int64                `json:"submittedAt"`
}

// abortError is a Move abort. It commits as a failed transaction.
type abortError struct {
	status string
}

func (e *abortError) Error() string { return e.status }

// Executor applies todolist transactions to a Store.
type Executor struct {
	module ledger.Module
	store  Store
	logger *log.Logger
}

func NewExecutor(module ledger.Module, store Store, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Executor{module: module, store: store, logger: logger}
}

// Execute runs tx and persists its receipt. Infrastructure errors are
// returned without a receipt so the transaction can be retried.
func (e *Executor) Execute(ctx context.Context, tx Transaction) (ledger.Receipt, error) {
	if rcpt, err := e.store.GetReceipt(ctx, tx.Hash); err != nil {
		return ledger.Receipt{}, err
	} else if rcpt != nil {
		return *rcpt, nil
	}

	rcpt := ledger.Receipt{Hash: tx.Hash, Success: true, VMStatus: statusExecuted}
	if err := e.apply(ctx, tx); err != nil {
		var abort *abortError
		if !errors.As(err, &abort) {
			return ledger.Receipt{}, err
		}
		rcpt.Success = false
		rcpt.VMStatus = abort.status
	}
	rcpt.Version = nextVersion()
	if err := e.store.PutReceipt(ctx, rcpt); err != nil {
		return ledger.Receipt{}, err
	}
	e.logger.WithFields(log.Fields{
		"hash":     tx.Hash,
		"sender":   tx.Sender,
		"function": tx.Payload.Function,
		"success":  rcpt.Success,
		"version":  rcpt.Version,
	}).Debug("transaction executed")
	return rcpt, nil
}

func (e *Executor) apply(ctx context.Context, tx Transaction) error {
	prefix := e.module.Function("")
	if !strings.HasPrefix(tx.Payload.Function, prefix) {
		return &abortError{status: "FUNCTION_RESOLUTION_FAILURE"}
	}
	args := tx.Payload.Arguments
	switch strings.TrimPrefix(tx.Payload.Function, prefix) {
	case "create_list":
		return e.createList(ctx, tx.Sender)
	case "create_task":
		if len(args) != 1 {
			return &abortError{status: "NUMBER_OF_ARGUMENTS_MISMATCH"}
		}
		return e.createTask(ctx, tx.Sender, args[0])
	case "complete_task":
		if len(args) != 1 {
			return &abortError{status: "NUMBER_OF_ARGUMENTS_MISMATCH"}
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return &abortError{status: "FAILED_TO_DESERIALIZE_ARGUMENT"}
		}
		return e.completeTask(ctx, tx.Sender, id)
	default:
		return &abortError{status: "FUNCTION_RESOLUTION_FAILURE"}
	}
}

func (e *Executor) abort(code int) error {
	return &abortError{status: fmt.Sprintf("Move abort in %s::todolist: %s(0x%x)", e.module.Address, abortNames[code], code)}
}

func (e *Executor) createList(ctx context.Context, sender string) error {
	id := uuid.New()
	rec := ListRecord{Address: sender, TaskCounter: 0, TableHandle: "0x" + hex.EncodeToString(id[:])}
	if err := e.store.InsertList(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return &abortError{status: statusAlreadyExist}
		}
		return err
	}
	return nil
}

func (e *Executor) createTask(ctx context.Context, sender, content string) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		list, err := e.store.GetList(ctx, sender)
		if err != nil {
			return err
		}
		if list == nil {
			return e.abort(ENotInitialized)
		}
		next := list.TaskCounter + 1
		entry := EntryRecord{
			Handle: list.TableHandle,
			Key:    next,
			Task:   domain.Task{TaskID: next, Content: content, Completed: false, Address: sender},
		}
		// The entry is written before the counter moves so that every key
		// up to the counter is always readable.
		if err := e.store.InsertEntry(ctx, entry); err != nil {
			if !errors.Is(err, ErrAlreadyExists) {
				return err
			}
			// A key above the counter was left by an attempt whose counter
			// update failed. It belongs to no committed transaction.
			if err := e.reclaimEntry(ctx, entry); err != nil {
				if errors.Is(err, ErrConcurrencyConflict) {
					e.logger.WithFields(log.Fields{"sender": sender, "key": next}).Warn("task key taken, retrying")
					continue
				}
				return err
			}
		}
		list.TaskCounter = next
		if err := e.store.UpdateList(ctx, *list, list.ETag); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				e.logger.WithFields(log.Fields{"sender": sender, "key": next}).Warn("list counter conflict, retrying")
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("create_task for %s: %w", sender, ErrConcurrencyConflict)
}

// reclaimEntry overwrites the uncommitted entry stored under rec's key.
func (e *Executor) reclaimEntry(ctx context.Context, rec EntryRecord) error {
	orphan, err := e.store.GetEntry(ctx, rec.Handle, rec.Key)
	if err != nil {
		return err
	}
	if orphan == nil {
		return ErrConcurrencyConflict
	}
	e.logger.WithFields(log.Fields{"handle": rec.Handle, "key": rec.Key}).Warn("overwriting uncommitted task entry")
	return e.store.UpdateEntry(ctx, rec, orphan.ETag)
}

func (e *Executor) completeTask(ctx context.Context, sender string, taskID uint64) error {
	list, err := e.store.GetList(ctx, sender)
	if err != nil {
		return err
	}
	if list == nil {
		return e.abort(ENotInitialized)
	}
	if taskID == 0 || taskID > list.TaskCounter {
		return e.abort(ETaskDoesntExist)
	}
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		ent, err := e.store.GetEntry(ctx, list.TableHandle, taskID)
		if err != nil {
			return err
		}
		if ent == nil {
			return e.abort(ETaskDoesntExist)
		}
		if ent.Task.Completed {
			return e.abort(ETaskIsCompleted)
		}
		upd := *ent
		upd.Task.Completed = true
		if err := e.store.UpdateEntry(ctx, upd, ent.ETag); err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("complete_task %d for %s: %w", taskID, sender, ErrConcurrencyConflict)
}
