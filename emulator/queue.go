package emulator

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

// Queue accepts signed transactions for execution.
type Queue interface {
	Enqueue(ctx context.Context, tx Transaction) error
}

// InlineQueue executes transactions as soon as they are enqueued.
type InlineQueue struct {
	exec   *Executor
	notify Notifier
}

func NewInlineQueue(exec *Executor, notify Notifier) *InlineQueue {
	return &InlineQueue{exec: exec, notify: notify}
}

func (q *InlineQueue) Enqueue(ctx context.Context, tx Transaction) error {
	if _, err := q.exec.Execute(ctx, tx); err != nil {
		return err
	}
	if q.notify != nil {
		// The transaction is committed either way; a lost notification only
		// delays other sessions until their next resync.
		_ = q.notify.Publish(ctx, tx.Sender)
	}
	return nil
}

// Message is a dequeued transaction message.
type Message struct {
	ID         string
	PopReceipt string
	Text       string
}

// AzureQueue carries transactions over an Azure storage queue.
type AzureQueue struct {
	client *azqueue.QueueClient
}

// NewAzureQueue creates a queue client from the given connection string.
func NewAzureQueue(connStr, name string) (*AzureQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	c, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
	if err != nil {
		return nil, err
	}
	return &AzureQueue{client: c}, nil
}

// EnsureExists creates the queue if it does not exist yet.
func (q *AzureQueue) EnsureExists(ctx context.Context) error {
	_, err := q.client.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists" {
			return nil
		}
		return err
	}
	return nil
}

func (q *AzureQueue) Enqueue(ctx context.Context, tx Transaction) error {
	data, err := sonic.Marshal(tx)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueMessage(ctx, string(data), nil)
	return err
}

// Dequeue retrieves a single message, or nil when the queue is empty.
func (q *AzureQueue) Dequeue(ctx context.Context) (*Message, error) {
	resp, err := q.client.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	msg := &Message{}
	if m.MessageID != nil {
		msg.ID = *m.MessageID
	}
	if m.PopReceipt != nil {
		msg.PopReceipt = *m.PopReceipt
	}
	if m.MessageText != nil {
		msg.Text = *m.MessageText
	}
	return msg, nil
}

// Delete removes a processed message from the queue.
func (q *AzureQueue) Delete(ctx context.Context, msg *Message) error {
	_, err := q.client.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}
