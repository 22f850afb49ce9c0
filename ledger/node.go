package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"ledger-todo/domain"
)

const maxResponseBytes = 1 << 20

// NodeGateway talks to a fullnode REST API. Submission is delegated to the
// configured Signer.
type NodeGateway struct {
	baseURL string
	http    *http.Client
	signer  Signer
	poll    PollConfig
	logger  *log.Logger
}

// NodeOptions configures a NodeGateway.
type NodeOptions struct {
	HTTPClient *http.Client
	Poll       PollConfig
	Logger     *log.Logger
}

// NewNodeGateway creates a gateway for the node at baseURL.
func NewNodeGateway(baseURL string, signer Signer, opts NodeOptions) *NodeGateway {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &NodeGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		signer:  signer,
		poll:    opts.Poll,
		logger:  logger,
	}
}

// ReadResource reads the TodoList resource stored under address.
func (g *NodeGateway) ReadResource(ctx context.Context, address, resourceType string) (domain.ListResource, error) {
	path := "/v1/accounts/" + url.PathEscape(address) + "/resource/" + url.PathEscape(resourceType)
	status, body, err := g.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.ListResource{}, &domain.GatewayError{Op: "read resource", Err: err}
	}
	if status == http.StatusNotFound {
		return domain.ListResource{}, ErrNotFound
	}
	if status != http.StatusOK {
		return domain.ListResource{}, &domain.GatewayError{Op: "read resource", Err: statusError(status, body)}
	}
	return parseListResource(address, body)
}

func parseListResource(address string, body []byte) (domain.ListResource, error) {
	if !gjson.ValidBytes(body) {
		return domain.ListResource{}, &domain.GatewayError{Op: "read resource", Err: fmt.Errorf("malformed resource body")}
	}
	counter := gjson.GetBytes(body, "data.task_counter")
	handle := gjson.GetBytes(body, "data.tasks.handle")
	if !counter.Exists() || handle.String() == "" {
		return domain.ListResource{}, &domain.GatewayError{Op: "read resource", Err: fmt.Errorf("resource is missing task_counter or tasks.handle")}
	}
	return domain.ListResource{
		Address:     address,
		TaskCounter: counter.Uint(),
		TableHandle: handle.String(),
	}, nil
}

// ReadTableEntry reads one task from the table identified by handle.
func (g *NodeGateway) ReadTableEntry(ctx context.Context, handle string, req TableEntryRequest) (domain.Task, error) {
	payload, err := sonic.Marshal(req)
	if err != nil {
		return domain.Task{}, err
	}
	status, body, err := g.do(ctx, http.MethodPost, "/v1/tables/"+url.PathEscape(handle)+"/item", payload)
	if err != nil {
		return domain.Task{}, &domain.GatewayError{Op: "read table entry", Err: err}
	}
	if status == http.StatusNotFound {
		return domain.Task{}, ErrNotFound
	}
	if status != http.StatusOK {
		return domain.Task{}, &domain.GatewayError{Op: "read table entry", Err: statusError(status, body)}
	}
	var task domain.Task
	if err := sonic.Unmarshal(body, &task); err != nil {
		return domain.Task{}, &domain.GatewayError{Op: "read table entry", Err: err}
	}
	return task, nil
}

// SubmitTransaction hands payload to the signer.
func (g *NodeGateway) SubmitTransaction(ctx context.Context, sender string, payload EntryFunction) (TransactionHandle, error) {
	if g.signer == nil {
		return TransactionHandle{}, fmt.Errorf("no signer configured")
	}
	return g.signer.SignAndSubmit(ctx, sender, payload)
}

// AwaitConfirmation polls the node until tx leaves the mempool.
func (g *NodeGateway) AwaitConfirmation(ctx context.Context, tx TransactionHandle) (Receipt, error) {
	path := "/v1/transactions/by_hash/" + url.PathEscape(tx.Hash)
	return Poll(ctx, g.poll, func(ctx context.Context) (Receipt, bool, error) {
		status, body, err := g.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			if ctx.Err() != nil {
				return Receipt{}, false, ctx.Err()
			}
			g.logger.WithFields(log.Fields{"hash": tx.Hash, "error": err}).Debug("confirmation probe failed")
			return Receipt{}, false, nil
		}
		if status == http.StatusNotFound {
			return Receipt{}, false, nil
		}
		if status != http.StatusOK {
			g.logger.WithFields(log.Fields{"hash": tx.Hash, "status": status}).Debug("confirmation probe rejected")
			return Receipt{}, false, nil
		}
		if gjson.GetBytes(body, "type").String() == "pending_transaction" {
			return Receipt{}, false, nil
		}
		var rcpt Receipt
		if err := sonic.Unmarshal(body, &rcpt); err != nil {
			return Receipt{}, false, fmt.Errorf("decode transaction %s: %w", tx.Hash, err)
		}
		if rcpt.Hash == "" {
			rcpt.Hash = tx.Hash
		}
		return rcpt, true, nil
	})
}

func (g *NodeGateway) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func statusError(status int, body []byte) error {
	if msg := gjson.GetBytes(body, "message").String(); msg != "" {
		return fmt.Errorf("status %d: %s", status, msg)
	}
	return fmt.Errorf("status %d", status)
}
