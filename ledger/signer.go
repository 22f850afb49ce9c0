package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
)

// BridgeSigner forwards transactions to an external wallet bridge which
// prompts the user, signs and submits.
type BridgeSigner struct {
	url  string
	http *http.Client
}

// NewBridgeSigner creates a signer for the bridge at baseURL.
func NewBridgeSigner(baseURL string, hc *http.Client) *BridgeSigner {
	if hc == nil {
		// The wallet prompt waits for a human.
		hc = &http.Client{Timeout: 5 * time.Minute}
	}
	return &BridgeSigner{url: strings.TrimRight(baseURL, "/") + "/v1/sign-and-submit", http: hc}
}

type signRequest struct {
	Sender  string        `json:"sender"`
	Payload EntryFunction `json:"payload"`
}

// SignAndSubmit asks the wallet to sign payload for sender.
func (s *BridgeSigner) SignAndSubmit(ctx context.Context, sender string, payload EntryFunction) (TransactionHandle, error) {
	body, err := sonic.Marshal(signRequest{Sender: sender, Payload: payload})
	if err != nil {
		return TransactionHandle{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return TransactionHandle{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return TransactionHandle{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TransactionHandle{}, err
	}
	switch {
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode/100 == 4 && isRejection(data):
		return TransactionHandle{}, ErrUserRejected
	case resp.StatusCode/100 != 2:
		return TransactionHandle{}, statusError(resp.StatusCode, data)
	}
	var tx TransactionHandle
	if err := sonic.Unmarshal(data, &tx); err != nil {
		return TransactionHandle{}, fmt.Errorf("decode signer response: %w", err)
	}
	if tx.Hash == "" {
		return TransactionHandle{}, fmt.Errorf("signer returned no transaction hash")
	}
	if tx.Sender == "" {
		tx.Sender = sender
	}
	return tx, nil
}

// isRejection reports whether a 4xx bridge answer says the user declined.
func isRejection(body []byte) bool {
	for _, path := range []string{"error", "code", "message"} {
		if strings.Contains(strings.ToLower(gjson.GetBytes(body, path).String()), "reject") {
			return true
		}
	}
	return false
}
