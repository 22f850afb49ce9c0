package emulator

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// MessageSource yields queued transaction messages.
type MessageSource interface {
	Dequeue(ctx context.Context) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

// Notifier announces that an account's ledger state changed.
type Notifier interface {
	Publish(ctx context.Context, address string) error
}

// Processor drains the transaction queue into the executor.
type Processor struct {
	source MessageSource
	exec   *Executor
	notify Notifier
	idle   time.Duration
	logger *log.Logger
}

func NewProcessor(source MessageSource, exec *Executor, notify Notifier, idle time.Duration, logger *log.Logger) *Processor {
	if idle <= 0 {
		idle = time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Processor{source: source, exec: exec, notify: notify, idle: idle, logger: logger}
}

// Run processes messages until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("transaction processor started")
	for {
		if ctx.Err() != nil {
			p.logger.Info("transaction processor stopped")
			return
		}
		processed, err := p.ProcessOne(ctx)
		if err != nil {
			p.logger.Errorf("process transaction: %v", err)
		}
		if !processed || err != nil {
			select {
			case <-ctx.Done():
			case <-time.After(p.idle):
			}
		}
	}
}

// ProcessOne handles at most one message. It reports whether a message was
// dequeued. Messages are only deleted once the receipt is persisted, except
// for undecodable ones which can never succeed.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := p.source.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	var tx Transaction
	if err := sonic.UnmarshalString(msg.Text, &tx); err != nil || tx.Hash == "" {
		p.logger.WithField("message", msg.ID).Error("dropping undecodable transaction")
		return true, p.source.Delete(ctx, msg)
	}
	rcpt, err := p.exec.Execute(ctx, tx)
	if err != nil {
		return true, err
	}
	if p.notify != nil {
		if err := p.notify.Publish(ctx, tx.Sender); err != nil {
			p.logger.WithFields(log.Fields{"sender": tx.Sender, "error": err}).Warn("publish ledger update failed")
		}
	}
	p.logger.WithFields(log.Fields{"hash": rcpt.Hash, "success": rcpt.Success}).Info("transaction committed")
	return true, p.source.Delete(ctx, msg)
}
