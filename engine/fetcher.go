package engine

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ledger-todo/domain"
	"ledger-todo/ledger"
)

// MaxTaskCounter bounds the task_counter a fetch accepts. Larger values
// are treated as a malformed resource.
const MaxTaskCounter = 1 << 20

// Fetcher rebuilds an account's task collection from the ledger table.
type Fetcher struct {
	gw          ledger.Gateway
	module      ledger.Module
	concurrency int
	logger      *log.Logger
}

// NewFetcher creates a fetcher. concurrency bounds parallel table lookups;
// values below 2 read keys one at a time.
func NewFetcher(gw ledger.Gateway, module ledger.Module, concurrency int, logger *log.Logger) *Fetcher {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Fetcher{gw: gw, module: module, concurrency: concurrency, logger: logger}
}

// Fetch returns tasks 1..res.TaskCounter in ascending id order. Any failed
// lookup fails the whole fetch with *domain.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, res domain.ListResource) (tasks []domain.Task, err error) {
	metrics, ctx := newFetchMetrics(ctx, f.logger, res)
	defer func() {
		metrics.Finish(len(tasks), err)
	}()

	if res.TaskCounter == 0 {
		return []domain.Task{}, nil
	}
	if res.TaskCounter > MaxTaskCounter {
		metrics.SetErrorStage("resource")
		return nil, &domain.GatewayError{
			Op:  "read resource",
			Err: fmt.Errorf("task_counter %d exceeds %d", res.TaskCounter, MaxTaskCounter),
		}
	}

	if br, ok := f.gw.(ledger.BatchReader); ok {
		metrics.SetMode("batch")
		keys := make([]uint64, res.TaskCounter)
		for i := range keys {
			keys[i] = uint64(i) + 1
		}
		tasks, err := br.ReadTableEntries(ctx, res.TableHandle, f.module.TaskEntry(0), keys)
		if err != nil {
			metrics.SetErrorStage("batch_read")
			var entryErr *ledger.EntryError
			if errors.As(err, &entryErr) {
				return nil, &domain.FetchError{TaskID: entryErr.Key, Err: entryErr.Err}
			}
			return nil, &domain.FetchError{TaskID: keys[0], Err: err}
		}
		if len(tasks) != len(keys) {
			metrics.SetErrorStage("batch_short")
			return nil, &domain.FetchError{TaskID: keys[min(len(tasks), len(keys)-1)], Err: ledger.ErrNotFound}
		}
		metrics.AddLookups(1)
		return tasks, nil
	}

	metrics.SetMode("indexed")
	out := make([]domain.Task, res.TaskCounter)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i := range out {
		if gctx.Err() != nil {
			break
		}
		key := uint64(i) + 1
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			task, err := f.gw.ReadTableEntry(gctx, res.TableHandle, f.module.TaskEntry(key))
			metrics.AddLookups(1)
			if err != nil {
				return &domain.FetchError{TaskID: key, Err: err}
			}
			// Slots are addressed by key, so completion order never
			// changes the assembled order.
			out[i] = task
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.SetErrorStage("lookup")
		return nil, err
	}
	if ctx.Err() != nil {
		metrics.SetErrorStage("canceled")
		return nil, &domain.FetchError{TaskID: 1, Err: ctx.Err()}
	}
	return out, nil
}
