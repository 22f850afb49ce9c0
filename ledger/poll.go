package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// PollConfig bounds confirmation polling.
type PollConfig struct {
	Initial time.Duration
	Max     time.Duration
	Timeout time.Duration
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Initial <= 0 {
		c.Initial = 200 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Probe checks once whether a transaction has committed.
type Probe func(ctx context.Context) (Receipt, bool, error)

// Poll calls probe with exponential backoff until it reports done, returns
// an error, or cfg.Timeout elapses. A committed but failed transaction is
// returned as *VMError.
func Poll(ctx context.Context, cfg PollConfig, probe Probe) (Receipt, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.MaxInterval = cfg.Max
	b.MaxElapsedTime = cfg.Timeout
	b.Reset()

	for {
		rcpt, done, err := probe(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Receipt{}, ErrTimeout
			}
			return Receipt{}, err
		}
		if done {
			if !rcpt.Success {
				return rcpt, &VMError{Hash: rcpt.Hash, VMStatus: rcpt.VMStatus}
			}
			return rcpt, nil
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return Receipt{}, ErrTimeout
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Receipt{}, ErrTimeout
			}
			return Receipt{}, ctx.Err()
		case <-timer.C:
		}
	}
}
