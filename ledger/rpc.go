package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RPCLedger talks to a WATT node's HTTP API.
type RPCLedger struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRPCLedger builds a client for a WATT node API.
func NewRPCLedger(baseURL, apiKey string) *RPCLedger {
	return &RPCLedger{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type transferResponse struct {
	Ref       string `json:"ref"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Tag       string `json:"tag"`
	BlockTime int64  `json:"block_time"`
	Failed    bool   `json:"failed"`
}

func (r *RPCLedger) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger request failed: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func toTransfer(tr transferResponse) *Transfer {
	return &Transfer{
		Ref:       tr.Ref,
		Sender:    tr.Sender,
		Recipient: tr.Recipient,
		Amount:    tr.Amount,
		Tag:       tr.Tag,
		BlockTime: time.Unix(tr.BlockTime, 0).UTC(),
		Failed:    tr.Failed,
	}
}

// Lookup fetches a transfer by reference.
func (r *RPCLedger) Lookup(ctx context.Context, ref string) (*Transfer, error) {
	var tr transferResponse
	if err := r.get(ctx, "/v1/transfers/"+url.PathEscape(ref), &tr); err != nil {
		return nil, err
	}
	return toTransfer(tr), nil
}

// FindByTag fetches the transfer tagged with the given purpose key, if any.
func (r *RPCLedger) FindByTag(ctx context.Context, tag string) (*Transfer, error) {
	var trs []transferResponse
	if err := r.get(ctx, "/v1/transfers?tag="+url.QueryEscape(tag), &trs); err != nil {
		return nil, err
	}
	for _, tr := range trs {
		if !tr.Failed {
			return toTransfer(tr), nil
		}
	}
	return nil, ErrNotFound
}

// Transfer sends WATT and returns the resulting reference. The tag is
// recorded on-ledger so reconciliation can find the transfer later.
func (r *RPCLedger) Transfer(ctx context.Context, to string, amount int64, tag string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"recipient": to,
		"amount":    amount,
		"tag":       tag,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("transfer failed: %s", resp.Status)
	}
	var tr transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	if tr.Ref == "" {
		return "", fmt.Errorf("transfer response missing reference")
	}
	return tr.Ref, nil
}
