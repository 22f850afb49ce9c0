package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type ledgerUpdate struct {
	Address string `json:"address"`
}

// UpdateFeed announces ledger state changes per account over Redis pub/sub.
type UpdateFeed struct {
	client  *redis.Client
	channel string
	logger  *log.Logger
}

func NewUpdateFeed(client *redis.Client, channel string, logger *log.Logger) *UpdateFeed {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &UpdateFeed{client: client, channel: channel, logger: logger}
}

// Publish announces that address's ledger state changed.
func (f *UpdateFeed) Publish(ctx context.Context, address string) error {
	data, err := sonic.Marshal(ledgerUpdate{Address: address})
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, data).Err()
}

// Subscribe calls handle for every update until ctx is done, resubscribing
// when the channel closes.
func (f *UpdateFeed) Subscribe(ctx context.Context, handle func(ctx context.Context, address string)) {
	for {
		sub := f.client.Subscribe(ctx, f.channel)
		ch := sub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				var ev ledgerUpdate
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil || ev.Address == "" {
					f.logger.Errorf("unable to parse ledger update: %v", err)
					continue
				}
				handle(ctx, ev.Address)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		f.logger.Error("ledger update channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
