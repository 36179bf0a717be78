package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/task"
)

// WebhookConfig maps each step kind to an HTTP endpoint that performs it. An
// empty URL leaves that kind without a collaborator.
type WebhookConfig struct {
	CodeURL     string        `yaml:"code_url"`
	DeployURL   string        `yaml:"deploy_url"`
	ContractURL string        `yaml:"contract_url"`
	PostURL     string        `yaml:"post_url"`
	Token       string        `yaml:"-"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Webhook forwards actions as JSON to the configured endpoints and reads back
// a task.Output.
type Webhook struct {
	client *http.Client
	config WebhookConfig
}

func NewWebhook(config WebhookConfig) *Webhook {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	return &Webhook{
		client: &http.Client{Timeout: config.Timeout},
		config: config,
	}
}

// Collaborators returns the webhook as a collaborator for every kind that has
// an endpoint.
func (w *Webhook) Collaborators() Collaborators {
	var c Collaborators
	if w.config.CodeURL != "" {
		c.Code = w
	}
	if w.config.DeployURL != "" {
		c.Deploy = w
	}
	if w.config.ContractURL != "" {
		c.Contract = w
	}
	if w.config.PostURL != "" {
		c.Post = w
	}

	return c
}

func (w *Webhook) Push(ctx context.Context, a task.CodeAction) (task.Output, error) {
	return w.output(ctx, w.config.CodeURL, a)
}

func (w *Webhook) Deploy(ctx context.Context, a task.DeployAction) (task.Output, error) {
	return w.output(ctx, w.config.DeployURL, a)
}

func (w *Webhook) Post(ctx context.Context, a task.PostAction) (task.Output, error) {
	return w.output(ctx, w.config.PostURL, a)
}

func (w *Webhook) Submit(ctx context.Context, a task.ContractAction) (string, error) {
	var resp struct {
		TxHash string `json:"tx_hash"`
	}
	if _, err := w.do(ctx, http.MethodPost, w.config.ContractURL, a, &resp); err != nil {
		return "", err
	}
	if resp.TxHash == "" {
		return "", fmt.Errorf("contract endpoint returned no tx_hash")
	}

	return resp.TxHash, nil
}

// Receipt reads {ContractURL}/receipts/{chain}/{txHash}. 404 means pending.
func (w *Webhook) Receipt(ctx context.Context, chain, txHash string) (*Receipt, error) {
	endpoint := strings.TrimRight(w.config.ContractURL, "/") + "/receipts/" + url.PathEscape(chain) + "/" + url.PathEscape(txHash)

	var receipt Receipt
	status, err := w.do(ctx, http.MethodGet, endpoint, nil, &receipt)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if receipt.TxHash == "" {
		receipt.TxHash = txHash
	}

	return &receipt, nil
}

func (w *Webhook) output(ctx context.Context, endpoint string, action any) (task.Output, error) {
	var out task.Output
	if _, err := w.do(ctx, http.MethodPost, endpoint, action, &out); err != nil {
		return task.Output{}, err
	}

	return out, nil
}

func (w *Webhook) do(ctx context.Context, method, endpoint string, body, into any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &ledger.UpstreamError{
			Op:    method + " " + endpoint,
			Class: ledger.ClassForStatus(resp.StatusCode),
			Err:   fmt.Errorf("status %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(msg))),
		}
	}

	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}
