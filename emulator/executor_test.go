package emulator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ledger-todo/ledger"
)

var testModule = ledger.Module{Address: "0xcafe"}

func run(t *testing.T, exec *Executor, sender string, payload ledger.EntryFunction) ledger.Receipt {
	t.Helper()
	rcpt, err := exec.Execute(context.Background(), Transaction{Hash: "0x" + payload.Function + sender + strings.Join(payload.Arguments, ","), Sender: sender, Payload: payload})
	if err != nil {
		t.Fatalf("execute %s: %v", payload.Function, err)
	}
	return rcpt
}

func TestExecutorCreateListTwiceAborts(t *testing.T) {
	store := NewMemoryStore()
	exec := NewExecutor(testModule, store, nil)

	if rcpt := run(t, exec, "0x1", testModule.CreateList()); !rcpt.Success {
		t.Fatalf("first create_list failed: %s", rcpt.VMStatus)
	}
	list, _ := store.GetList(context.Background(), "0x1")
	if list == nil || list.TaskCounter != 0 || list.TableHandle == "" {
		t.Fatalf("unexpected list: %#v", list)
	}

	rcpt, err := exec.Execute(context.Background(), Transaction{Hash: "0xsecond", Sender: "0x1", Payload: testModule.CreateList()})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rcpt.Success || rcpt.VMStatus != statusAlreadyExist {
		t.Fatalf("expected abort, got %#v", rcpt)
	}
}

func TestExecutorCreateTaskWithoutList(t *testing.T) {
	exec := NewExecutor(testModule, NewMemoryStore(), nil)
	rcpt := run(t, exec, "0x1", testModule.CreateTask("x"))
	if rcpt.Success || !strings.Contains(rcpt.VMStatus, "E_NOT_INITIALIZED") {
		t.Fatalf("expected E_NOT_INITIALIZED, got %#v", rcpt)
	}
}

func TestExecutorTasksGetSequentialIDs(t *testing.T) {
	store := NewMemoryStore()
	exec := NewExecutor(testModule, store, nil)
	run(t, exec, "0x1", testModule.CreateList())
	for _, c := range []string{"a", "b", "c"} {
		if rcpt := run(t, exec, "0x1", testModule.CreateTask(c)); !rcpt.Success {
			t.Fatalf("create_task %s: %s", c, rcpt.VMStatus)
		}
	}
	list, _ := store.GetList(context.Background(), "0x1")
	if list.TaskCounter != 3 {
		t.Fatalf("expected counter 3, got %d", list.TaskCounter)
	}
	entries, _ := store.ListEntries(context.Background(), list.TableHandle, 1, 3)
	for i, e := range entries {
		if e.Task.TaskID != uint64(i+1) || e.Task.Completed || e.Task.Address != "0x1" {
			t.Fatalf("unexpected entry %d: %#v", i, e.Task)
		}
	}
	if entries[1].Task.Content != "b" {
		t.Fatalf("unexpected content: %s", entries[1].Task.Content)
	}
}

func TestExecutorCompleteTask(t *testing.T) {
	store := NewMemoryStore()
	exec := NewExecutor(testModule, store, nil)
	run(t, exec, "0x1", testModule.CreateList())
	run(t, exec, "0x1", testModule.CreateTask("a"))

	if rcpt := run(t, exec, "0x1", testModule.CompleteTask(1)); !rcpt.Success {
		t.Fatalf("complete failed: %s", rcpt.VMStatus)
	}
	rcpt, _ := exec.Execute(context.Background(), Transaction{Hash: "0xagain", Sender: "0x1", Payload: testModule.CompleteTask(1)})
	if rcpt.Success || !strings.Contains(rcpt.VMStatus, "ETASK_IS_COMPLETED") {
		t.Fatalf("expected ETASK_IS_COMPLETED, got %#v", rcpt)
	}
	if rcpt := run(t, exec, "0x1", testModule.CompleteTask(9)); rcpt.Success || !strings.Contains(rcpt.VMStatus, "ETASK_DOESNT_EXIST") {
		t.Fatalf("expected ETASK_DOESNT_EXIST, got %#v", rcpt)
	}
}

func TestExecutorReceiptIsReused(t *testing.T) {
	store := NewMemoryStore()
	exec := NewExecutor(testModule, store, nil)
	run(t, exec, "0x1", testModule.CreateList())
	tx := Transaction{Hash: "0xdup", Sender: "0x1", Payload: testModule.CreateTask("once")}
	first, err := exec.Execute(context.Background(), tx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	second, err := exec.Execute(context.Background(), tx)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical receipts, got %#v and %#v", first, second)
	}
	list, _ := store.GetList(context.Background(), "0x1")
	if list.TaskCounter != 1 {
		t.Fatalf("redelivered transaction applied twice: counter %d", list.TaskCounter)
	}
}

// conflictStore fails the first UpdateList and UpdateEntry calls.
type conflictStore struct {
	*MemoryStore
	listConflicts  int
	entryConflicts int
}

func (c *conflictStore) UpdateList(ctx context.Context, rec ListRecord, etag string) error {
	if c.listConflicts > 0 {
		c.listConflicts--
		return ErrConcurrencyConflict
	}
	return c.MemoryStore.UpdateList(ctx, rec, etag)
}

func (c *conflictStore) UpdateEntry(ctx context.Context, rec EntryRecord, etag string) error {
	if c.entryConflicts > 0 {
		c.entryConflicts--
		return ErrConcurrencyConflict
	}
	return c.MemoryStore.UpdateEntry(ctx, rec, etag)
}

func TestExecutorRetriesCompletionConflict(t *testing.T) {
	store := &conflictStore{MemoryStore: NewMemoryStore()}
	exec := NewExecutor(testModule, store, nil)
	run(t, exec, "0x1", testModule.CreateList())
	run(t, exec, "0x1", testModule.CreateTask("a"))

	store.entryConflicts = 2
	if rcpt := run(t, exec, "0x1", testModule.CompleteTask(1)); !rcpt.Success {
		t.Fatalf("complete after conflicts failed: %s", rcpt.VMStatus)
	}
	list, _ := store.GetList(context.Background(), "0x1")
	ent, _ := store.GetEntry(context.Background(), list.TableHandle, 1)
	if !ent.Task.Completed {
		t.Fatalf("expected task completed")
	}
}

// flakyListStore fails the next UpdateList with an infrastructure error.
type flakyListStore struct {
	*MemoryStore
	failUpdates int
}

func (f *flakyListStore) UpdateList(ctx context.Context, rec ListRecord, etag string) error {
	if f.failUpdates > 0 {
		f.failUpdates--
		return errors.New("table unavailable")
	}
	return f.MemoryStore.UpdateList(ctx, rec, etag)
}

func TestExecutorRecoversEntryLeftByFailedCreate(t *testing.T) {
	store := &flakyListStore{MemoryStore: NewMemoryStore()}
	exec := NewExecutor(testModule, store, nil)
	run(t, exec, "0x1", testModule.CreateList())

	tx := Transaction{Hash: "0xretry", Sender: "0x1", Payload: testModule.CreateTask("second try")}
	store.failUpdates = 1
	if _, err := exec.Execute(context.Background(), tx); err == nil {
		t.Fatal("expected infrastructure error")
	}

	rcpt, err := exec.Execute(context.Background(), tx)
	if err != nil || !rcpt.Success {
		t.Fatalf("retry did not recover: rcpt=%#v err=%v", rcpt, err)
	}
	list, _ := store.GetList(context.Background(), "0x1")
	if list.TaskCounter != 1 {
		t.Fatalf("expected counter 1, got %d", list.TaskCounter)
	}
	ent, _ := store.GetEntry(context.Background(), list.TableHandle, 1)
	if ent == nil || ent.Task.Content != "second try" || ent.Task.TaskID != 1 {
		t.Fatalf("unexpected entry: %#v", ent)
	}
}

func TestExecutorUnknownFunction(t *testing.T) {
	exec := NewExecutor(testModule, NewMemoryStore(), nil)
	rcpt := run(t, exec, "0x1", ledger.EntryFunction{Function: "0xbeef::todolist::create_list"})
	if rcpt.Success {
		t.Fatalf("expected failure for foreign module")
	}
}
