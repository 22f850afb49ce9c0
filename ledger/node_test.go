package ledger

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ledger-todo/domain"
)

var testModule = Module{Address: "0xcafe"}

func newTestNode(t *testing.T, h http.HandlerFunc) *NodeGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewNodeGateway(srv.URL, nil, NodeOptions{Poll: PollConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, Timeout: 200 * time.Millisecond}})
}

func TestNodeReadResource(t *testing.T) {
	g := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/accounts/0x1/resource/") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"type":"0xcafe::todolist::TodoList","data":{"task_counter":"3","tasks":{"handle":"0xabc"}}}`)
	})

	res, err := g.ReadResource(context.Background(), "0x1", testModule.ResourceType())
	if err != nil {
		t.Fatalf("read resource: %v", err)
	}
	if res.TaskCounter != 3 || res.TableHandle != "0xabc" || res.Address != "0x1" {
		t.Fatalf("unexpected resource: %#v", res)
	}
}

func TestNodeReadResourceNotFound(t *testing.T) {
	g := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Resource not found","error_code":"resource_not_found"}`)
	})

	_, err := g.ReadResource(context.Background(), "0x1", testModule.ResourceType())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		t.Fatalf("not found must not be a gateway error")
	}
}

func TestNodeReadResourceMalformed(t *testing.T) {
	g := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":{}}`)
	})

	_, err := g.ReadResource(context.Background(), "0x1", testModule.ResourceType())
	var gwErr *domain.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

func TestNodeReadResourceServerError(t *testing.T) {
	g := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := g.ReadResource(context.Background(), "0x1", testModule.ResourceType())
	var gwErr *domain.GatewayError
	if !errors.As(err, &gwErr) || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected gateway error, got %v", err)
	}
}

func TestNodeReadTableEntry(t *testing.T) {
	g := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/tables/0xabc/item" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"key_type":"u64"`) || !strings.Contains(string(body), `"key":"2"`) {
			t.Errorf("unexpected body: %s", body)
		}
		_, _ = io.WriteString(w, `{"address":"0x1","completed":true,"content":"Buy milk","task_id":"2"}`)
	})

	task, err := g.ReadTableEntry(context.Background(), "0xabc", testModule.TaskEntry(2))
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	want := domain.Task{TaskID: 2, Content: "Buy milk", Completed: true, Address: "0x1"}
	if task != want {
		t.Fatalf("unexpected task: %#v", task)
	}
}

func TestNodeAwaitConfirmationPendingThenCommitted(t *testing.T) {
	var calls atomic.Int32
	g := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusNotFound)
		case 2:
			_, _ = io.WriteString(w, `{"type":"pending_transaction","hash":"0xh"}`)
		default:
			_, _ = io.WriteString(w, `{"type":"user_transaction","hash":"0xh","version":"42","success":true,"vm_status":"Executed successfully"}`)
		}
	})

	rcpt, err := g.AwaitConfirmation(context.Background(), TransactionHandle{Hash: "0xh"})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if rcpt.Version != 42 || !rcpt.Success {
		t.Fatalf("unexpected receipt: %#v", rcpt)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected polling, got %d calls", calls.Load())
	}
}

func TestNodeAwaitConfirmationVMFailure(t *testing.T) {
	g := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"type":"user_transaction","hash":"0xh","version":"7","success":false,"vm_status":"Move abort: 0x3"}`)
	})

	_, err := g.AwaitConfirmation(context.Background(), TransactionHandle{Hash: "0xh"})
	var vmErr *VMError
	if !errors.As(err, &vmErr) || vmErr.VMStatus != "Move abort: 0x3" {
		t.Fatalf("expected vm error, got %v", err)
	}
}

func TestNodeAwaitConfirmationTimeout(t *testing.T) {
	g := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := g.AwaitConfirmation(context.Background(), TransactionHandle{Hash: "0xh"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestNodeSubmitWithoutSigner(t *testing.T) {
	g := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("node must not be called")
	})
	if _, err := g.SubmitTransaction(context.Background(), "0x1", testModule.CreateList()); err == nil {
		t.Fatalf("expected error without signer")
	}
}

func TestBridgeSigner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case strings.Contains(string(body), "complete_task"):
			w.WriteHeader(http.StatusForbidden)
			return
		case strings.Contains(string(body), "create_list"):
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"user_rejected","message":"User rejected the request"}`)
			return
		case strings.Contains(string(body), "bad task"):
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"message":"malformed payload"}`)
			return
		}
		_, _ = io.WriteString(w, `{"hash":"0xfeed"}`)
	}))
	defer srv.Close()

	s := NewBridgeSigner(srv.URL, srv.Client())
	tx, err := s.SignAndSubmit(context.Background(), "0x1", testModule.CreateTask("x"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if tx.Hash != "0xfeed" || tx.Sender != "0x1" {
		t.Fatalf("unexpected handle: %#v", tx)
	}
	if _, err := s.SignAndSubmit(context.Background(), "0x1", testModule.CompleteTask(1)); !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected user rejection, got %v", err)
	}
	if _, err := s.SignAndSubmit(context.Background(), "0x1", testModule.CreateList()); !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected 400 rejection to map to user rejection, got %v", err)
	}
	_, err = s.SignAndSubmit(context.Background(), "0x1", testModule.CreateTask("bad task"))
	if err == nil || errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected plain bridge error, got %v", err)
	}
}

func TestModulePayloads(t *testing.T) {
	p := testModule.CompleteTask(12)
	if p.Function != "0xcafe::todolist::complete_task" || len(p.Arguments) != 1 || p.Arguments[0] != "12" {
		t.Fatalf("unexpected payload: %#v", p)
	}
	req := testModule.TaskEntry(5)
	if req.ValueType != "0xcafe::todolist::Task" || req.Key != "5" {
		t.Fatalf("unexpected request: %#v", req)
	}
}
