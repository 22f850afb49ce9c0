package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ledger-todo/domain"
	"ledger-todo/emulator"
	"ledger-todo/engine"
	"ledger-todo/ledger"
	"ledger-todo/storage"
)

var testModule = ledger.Module{Address: "0xcafe"}

// headerAuth treats the bearer value itself as the account.
type headerAuth struct{}

func (headerAuth) AccountFromAuthHeader(h string) (string, error) {
	account, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || account == "" {
		return "", errMissingAuthorization
	}
	return account, nil
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rc.Close()
		mr.Close()
	})
	return rc
}

func newServer(t *testing.T, eng Engine, deduper Deduper) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.JSONSerializer = JSONSerializer{}
	Register(e, eng, headerAuth{}, deduper, nil)
	return e
}

func newMemoryEngine(t *testing.T) *engine.Orchestrator {
	t.Helper()
	gw, _ := emulator.NewMemoryGateway(testModule, emulator.GatewayOptions{})
	return engine.New(gw, testModule, engine.Config{ReconcileAfterCreate: true}, nil)
}

func do(e *echo.Echo, method, path, account, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if account != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+account)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSessionListTaskFlow(t *testing.T) {
	e := newServer(t, newMemoryEngine(t), storage.NewRedisDeduper(setupRedis(t), time.Hour))

	rec := do(e, http.MethodPut, "/api/session", "0x1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("put session: %d %s", rec.Code, rec.Body.String())
	}
	if snap := decode[domain.Snapshot](t, rec); snap.Account != "0x1" || snap.HasList {
		t.Fatalf("unexpected session snapshot: %#v", snap)
	}

	if rec := do(e, http.MethodPost, "/api/tasks", "0x1", `{"content":"Buy milk"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without list, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/list", "0x1", ""); rec.Code != http.StatusCreated {
		t.Fatalf("create list: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/tasks", "0x1", `{"content":"Buy milk","idempotencyKey":"k1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: %d %s", rec.Code, rec.Body.String())
	}
	created := decode[createTaskResponse](t, rec)
	if created.Task.TaskID != 1 || created.IdempotencyKey != "k1" {
		t.Fatalf("unexpected create response: %#v", created)
	}

	rec = do(e, http.MethodPost, "/api/tasks", "0x1", `{"content":"Buy milk","idempotencyKey":"k1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate create: %d %s", rec.Code, rec.Body.String())
	}
	if dup := decode[createTaskResponse](t, rec); !dup.Duplicate || dup.Task.TaskID != 1 || dup.Task.Content != "Buy milk" {
		t.Fatalf("unexpected duplicate response: %#v", dup)
	}

	rec = do(e, http.MethodPost, "/api/tasks/1/complete", "0x1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
	snap := decode[domain.Snapshot](t, rec)
	if len(snap.Tasks) != 1 || !snap.Tasks[0].Completed || snap.Tasks[0].Content != "Buy milk" {
		t.Fatalf("unexpected view after completion: %#v", snap)
	}

	if rec := do(e, http.MethodPost, "/api/tasks/1/complete", "0x1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 completing twice, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/resync", "0x1", ""); rec.Code != http.StatusOK {
		t.Fatalf("resync: %d", rec.Code)
	}
}

func TestMutationsRequireSelectedAccount(t *testing.T) {
	e := newServer(t, newMemoryEngine(t), nil)

	if rec := do(e, http.MethodPost, "/api/list", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/list", "0x1", ""); rec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 without session, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPut, "/api/session", "0x1", ""); rec.Code != http.StatusOK {
		t.Fatalf("put session: %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/list", "0x2", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another account, got %d", rec.Code)
	}

	rec := do(e, http.MethodGet, "/api/view", "0x2", "")
	if snap := decode[domain.Snapshot](t, rec); snap.Account != "" || snap.Tasks == nil {
		t.Fatalf("another account's view leaked: %s", rec.Body.String())
	}

	if rec := do(e, http.MethodDelete, "/api/session", "0x1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete session: %d", rec.Code)
	}
	if snap := decode[domain.Snapshot](t, do(e, http.MethodGet, "/api/view", "0x1", "")); snap.Account != "" {
		t.Fatalf("session not cleared: %#v", snap)
	}
}

func TestPostTaskValidation(t *testing.T) {
	eng := newMemoryEngine(t)
	e := newServer(t, eng, nil)
	do(e, http.MethodPut, "/api/session", "0x1", "")
	do(e, http.MethodPost, "/api/list", "0x1", "")

	cases := map[string]string{
		"empty content": `{"content":"  "}`,
		"unknown field": `{"content":"x","priority":1}`,
		"not json":      `content=x`,
	}
	for name, body := range cases {
		if rec := do(e, http.MethodPost, "/api/tasks", "0x1", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rec.Code)
		}
	}
	if rec := do(e, http.MethodPost, "/api/tasks/abc/complete", "0x1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}
	if len(eng.Snapshot().Tasks) != 0 {
		t.Fatalf("invalid requests changed the view: %#v", eng.Snapshot().Tasks)
	}
}

// errEngine fails every mutation with err.
type errEngine struct {
	err error
}

func (f *errEngine) SelectAccount(context.Context, string) error { return nil }
func (f *errEngine) Snapshot() domain.Snapshot {
	return domain.Snapshot{Account: "0x1", HasList: true, Tasks: []domain.Task{}}
}
func (f *errEngine) Subscribe() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 1)
	ch <- f.Snapshot()
	return ch, func() {}
}
func (f *errEngine) CreateList(context.Context) error { return f.err }
func (f *errEngine) SubmitCreate(context.Context, string) (domain.Task, error) {
	return domain.Task{}, f.err
}
func (f *errEngine) SubmitComplete(context.Context, uint64) error { return f.err }
func (f *errEngine) Resync(context.Context) error                 { return f.err }

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		reason string
	}{
		{domain.ErrBusy, http.StatusConflict, "busy"},
		{domain.ErrAccountChanged, http.StatusConflict, "account_changed"},
		{domain.ErrNoList, http.StatusConflict, ""},
		{domain.ErrNoAccount, http.StatusPreconditionFailed, ""},
		{&domain.SubmitError{Reason: domain.UserRejected, Function: "f", Err: ledger.ErrUserRejected}, http.StatusBadGateway, "user_rejected"},
		{&domain.SubmitError{Reason: domain.Timeout, Function: "f", Err: ledger.ErrTimeout}, http.StatusBadGateway, "timeout"},
		{&domain.FetchError{TaskID: 3, Err: ledger.ErrNotFound}, http.StatusServiceUnavailable, ""},
		{&domain.GatewayError{Op: "read resource", Err: errors.New("eof")}, http.StatusServiceUnavailable, ""},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		e := newServer(t, &errEngine{err: tc.err}, nil)
		rec := do(e, http.MethodPost, "/api/resync", "0x1", "")
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		if got := decode[errorResponse](t, rec); got.Reason != tc.reason {
			t.Fatalf("%v: expected reason %q, got %q", tc.err, tc.reason, got.Reason)
		}
	}
}

func TestFailedCreateReleasesIdempotencyKey(t *testing.T) {
	rc := setupRedis(t)
	deduper := storage.NewRedisDeduper(rc, time.Hour)
	e := newServer(t, &errEngine{err: &domain.SubmitError{Reason: domain.UserRejected, Function: "f"}}, deduper)

	rec := do(e, http.MethodPost, "/api/tasks", "0x1", `{"content":"x","idempotencyKey":"k9"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	added, err := deduper.Add(context.Background(), "0x1", "k9")
	if err != nil || !added {
		t.Fatalf("key not released after failure: added=%v err=%v", added, err)
	}
}

type flushRecorder struct{ *httptest.ResponseRecorder }

func (flushRecorder) Flush() {}

func TestStreamViewSendsSnapshots(t *testing.T) {
	eng := newMemoryEngine(t)
	if err := eng.SelectAccount(context.Background(), "0x1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	h := &handler{engine: eng, auth: headerAuth{}, logger: log.New()}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/view/stream?token=0x1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	req = req.WithContext(ctx)
	rec := flushRecorder{httptest.NewRecorder()}
	c := e.NewContext(req, rec)

	errCh := make(chan error, 1)
	go func() { errCh <- h.streamView(c) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("handler error: %v", err)
	}

	expected, _ := sonic.Marshal(eng.Snapshot())
	if got := rec.Body.String(); got != "data: "+string(expected)+"\n\n" {
		t.Fatalf("unexpected body %q", got)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
}
