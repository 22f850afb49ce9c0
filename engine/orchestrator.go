package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"ledger-todo/domain"
	"ledger-todo/ledger"
)

// Config tunes the orchestrator.
type Config struct {
	// FetchConcurrency bounds parallel table lookups when the gateway cannot
	// batch them.
	FetchConcurrency int
	// ReconcileAfterCreate re-fetches the list after a confirmed create so
	// the provisional id is checked against the ledger.
	ReconcileAfterCreate bool
	// MutationTimeout caps a detached mutation, signing included. Zero
	// leaves the gateway's confirmation timeout in charge.
	MutationTimeout time.Duration
}

// Orchestrator owns the selected account, the local view and the
// single-flight mutation gate.
type Orchestrator struct {
	bootstrap *Bootstrapper
	fetcher   *Fetcher
	submitter *Submitter
	cfg       Config
	logger    *log.Logger

	mu         sync.Mutex
	account    string
	hasList    bool
	resource   domain.ListResource
	view       *View
	inFlight   bool
	generation uint64

	subsMu sync.Mutex
	subs   map[chan domain.Snapshot]struct{}
}

func New(gw ledger.Gateway, module ledger.Module, cfg Config, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	submitter := NewSubmitter(gw, module, logger)
	return &Orchestrator{
		bootstrap: NewBootstrapper(gw, module, submitter),
		fetcher:   NewFetcher(gw, module, cfg.FetchConcurrency, logger),
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
		view:      NewView(),
		subs:      make(map[chan domain.Snapshot]struct{}),
	}
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() domain.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() domain.Snapshot {
	return domain.Snapshot{
		Account: o.account,
		HasList: o.hasList,
		Tasks:   o.view.Snapshot(),
		Busy:    o.inFlight,
	}
}

// Account returns the selected account, or "" when disconnected.
func (o *Orchestrator) Account() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.account
}

// Subscribe registers for snapshots. Slow readers only see the latest one.
func (o *Orchestrator) Subscribe() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 1)
	o.subsMu.Lock()
	ch <- o.Snapshot()
	o.subs[ch] = struct{}{}
	o.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subsMu.Lock()
			delete(o.subs, ch)
			o.subsMu.Unlock()
		})
	}
}

// publish takes the snapshot under subsMu so deliveries are ordered and a
// subscriber's buffer always ends up holding the newest state.
func (o *Orchestrator) publish() {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	snap := o.Snapshot()
	for ch := range o.subs {
		select {
		case ch <- snap:
		default:
			// drop the stale snapshot and keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// acquire takes the single-flight gate for the current account.
func (o *Orchestrator) acquire(needList bool) (uint64, string, error) {
	o.mu.Lock()
	if o.account == "" {
		o.mu.Unlock()
		return 0, "", domain.ErrNoAccount
	}
	if o.inFlight {
		o.mu.Unlock()
		return 0, "", domain.ErrBusy
	}
	if needList && !o.hasList {
		o.mu.Unlock()
		return 0, "", domain.ErrNoList
	}
	o.inFlight = true
	gen, account := o.generation, o.account
	o.mu.Unlock()
	o.publish()
	return gen, account, nil
}

func (o *Orchestrator) release(gen uint64) {
	o.mu.Lock()
	stale := gen != o.generation
	if !stale {
		o.inFlight = false
	}
	o.mu.Unlock()
	if !stale {
		o.publish()
	}
}

func (o *Orchestrator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if o.cfg.MutationTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.MutationTimeout)
	}
	return context.WithCancel(ctx)
}

// SelectAccount switches to account, dropping everything known about the
// previous one. An empty account disconnects. Selecting the current account
// again only resyncs it, and is a no-op while a mutation is in flight.
func (o *Orchestrator) SelectAccount(ctx context.Context, account string) error {
	if account != "" && account == o.Account() {
		err := o.Resync(ctx)
		if errors.Is(err, domain.ErrBusy) {
			return nil
		}
		return err
	}

	o.mu.Lock()
	o.generation++
	gen := o.generation
	o.account = account
	o.hasList = false
	o.resource = domain.ListResource{}
	o.view.Reset()
	o.inFlight = account != ""
	o.mu.Unlock()
	o.publish()

	if account == "" {
		o.logger.Info("account disconnected")
		return nil
	}
	o.logger.WithField("account", account).Info("account selected")
	defer o.release(gen)
	return o.refresh(ctx, gen, account)
}

// Watch selects every account received on accounts until ctx ends or the
// channel closes.
func (o *Orchestrator) Watch(ctx context.Context, accounts <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case account, ok := <-accounts:
			if !ok {
				return
			}
			if err := o.SelectAccount(ctx, account); err != nil {
				o.logger.WithFields(log.Fields{"account": account, "error": err}).Warn("account sync failed")
			}
		}
	}
}

// Resync re-reads the list of the current account. The previous view is
// kept when the ledger cannot be read.
func (o *Orchestrator) Resync(ctx context.Context) error {
	gen, account, err := o.acquire(false)
	if err != nil {
		return err
	}
	defer o.release(gen)
	return o.refresh(ctx, gen, account)
}

// HandleLedgerUpdate resyncs when address is the selected account and no
// mutation is running.
func (o *Orchestrator) HandleLedgerUpdate(ctx context.Context, address string) {
	o.mu.Lock()
	relevant := address != "" && address == o.account && !o.inFlight
	o.mu.Unlock()
	if !relevant {
		return
	}
	if err := o.Resync(ctx); err != nil && !errors.Is(err, domain.ErrBusy) {
		o.logger.WithFields(log.Fields{"account": address, "error": err}).Warn("resync after ledger update failed")
	}
}

// refresh runs existence and fetch for account and applies the result if
// gen is still current. The caller holds the gate.
func (o *Orchestrator) refresh(ctx context.Context, gen uint64, account string) error {
	entry := o.logger.WithField("account", account)
	res, exists, err := o.bootstrap.Exists(ctx, account)
	if err != nil {
		entry.WithField("error", err).Warn("list lookup failed")
		return err
	}
	if !exists {
		o.mu.Lock()
		if gen == o.generation {
			o.hasList = false
			o.resource = domain.ListResource{}
			o.view.Reset()
		}
		o.mu.Unlock()
		o.publish()
		entry.Debug("account has no list")
		return nil
	}

	o.mu.Lock()
	if gen == o.generation {
		o.hasList = true
		o.resource = res
	}
	o.mu.Unlock()

	tasks, err := o.fetcher.Fetch(ctx, res)
	if err != nil {
		entry.WithField("error", err).Warn("task fetch failed, keeping previous view")
		o.publish()
		return err
	}
	o.mu.Lock()
	current := gen == o.generation
	if current {
		o.view.Replace(tasks)
	}
	o.mu.Unlock()
	if current {
		o.publish()
		entry.WithField("tasks", len(tasks)).Debug("view refreshed")
	}
	return nil
}

// CreateList creates the list resource for the current account.
func (o *Orchestrator) CreateList(ctx context.Context) error {
	gen, account, err := o.acquire(false)
	if err != nil {
		return err
	}
	defer o.release(gen)

	o.mu.Lock()
	exists := o.hasList
	o.mu.Unlock()
	if exists {
		return domain.ErrListExists
	}

	ctx, cancel := o.detach(ctx)
	defer cancel()
	if _, err := o.bootstrap.Create(ctx, account); err != nil {
		return err
	}

	o.mu.Lock()
	current := gen == o.generation
	if current {
		o.hasList = true
		o.view.Reset()
	}
	o.mu.Unlock()
	if !current {
		return nil
	}
	o.publish()
	if err := o.refresh(ctx, gen, account); err != nil {
		o.logger.WithFields(log.Fields{"account": account, "error": err}).Warn("list created but refresh failed")
	}
	return nil
}

// SubmitCreate adds a task optimistically and submits it. The provisional
// entry is removed again if the ledger does not confirm it.
func (o *Orchestrator) SubmitCreate(ctx context.Context, content string) (domain.Task, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Task{}, domain.ErrEmptyContent
	}
	gen, account, err := o.acquire(true)
	if err != nil {
		return domain.Task{}, err
	}
	defer o.release(gen)

	o.mu.Lock()
	m := o.view.BeginCreate(account, content)
	o.mu.Unlock()
	o.publish()

	ctx, cancel := o.detach(ctx)
	defer cancel()
	_, err = o.submitter.SubmitCreate(ctx, account, content)

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		o.logger.WithField("account", account).Debug("dropping create result for previous account")
		if err == nil {
			err = domain.ErrAccountChanged
		}
		return domain.Task{}, err
	}
	if err != nil {
		o.view.Rollback(m)
		o.mu.Unlock()
		o.publish()
		return domain.Task{}, err
	}
	o.view.Confirm(m)
	o.mu.Unlock()
	o.publish()

	task := domain.Task{TaskID: m.ProvisionalID(), Content: content, Address: account}
	if o.cfg.ReconcileAfterCreate {
		if err := o.refresh(ctx, gen, account); err != nil {
			o.logger.WithFields(log.Fields{"account": account, "error": err}).Warn("reconcile after create failed, keeping provisional task")
		}
	}
	return task, nil
}

// SubmitComplete completes a task. The view changes only after the
// ledger confirmed the completion.
func (o *Orchestrator) SubmitComplete(ctx context.Context, taskID uint64) error {
	if taskID == 0 {
		return domain.ErrUnknownTask
	}
	gen, account, err := o.acquire(true)
	if err != nil {
		return err
	}
	defer o.release(gen)

	o.mu.Lock()
	m, err := o.view.BeginComplete(account, taskID)
	o.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, cancel := o.detach(ctx)
	defer cancel()
	_, err = o.submitter.SubmitComplete(ctx, account, taskID)

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		if err == nil {
			err = domain.ErrAccountChanged
		}
		return err
	}
	if err != nil {
		o.view.Rollback(m)
	} else {
		o.view.Confirm(m)
	}
	o.mu.Unlock()
	o.publish()
	return err
}
