package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWebhookServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /deploy", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		var a task.DeployAction
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(task.Output{Type: "deployment", URL: "https://" + a.Project + ".vercel.app"})
	})
	mux.HandleFunc("POST /post", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	mux.HandleFunc("POST /contract", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"tx_hash": "0xfeed"})
	})
	mux.HandleFunc("GET /contract/receipts/base/0xfeed", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Receipt{Success: true, BlockNumber: 42})
	})
	mux.HandleFunc("GET /contract/receipts/base/0xpending", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestWebhookCollaborators(t *testing.T) {
	wh := NewWebhook(WebhookConfig{DeployURL: "http://deploy", PostURL: "http://post"})
	c := wh.Collaborators()

	assert.NotNil(t, c.Deploy)
	assert.NotNil(t, c.Post)
	assert.Nil(t, c.Code)
	assert.Nil(t, c.Contract)
}

func TestWebhookDeploy(t *testing.T) {
	srv := newWebhookServer(t)
	wh := NewWebhook(WebhookConfig{DeployURL: srv.URL + "/deploy", Token: "secret"})

	out, err := wh.Deploy(context.Background(), task.DeployAction{Target: "vercel", Project: "landing"})
	require.NoError(t, err)
	assert.Equal(t, "https://landing.vercel.app", out.URL)

	wh = NewWebhook(WebhookConfig{DeployURL: srv.URL + "/deploy", Token: "wrong"})
	_, err = wh.Deploy(context.Background(), task.DeployAction{Project: "landing"})
	require.Error(t, err)
	assert.Equal(t, models.ErrorAuth, ledger.Classify(err).Class)
}

func TestWebhookPostRateLimited(t *testing.T) {
	srv := newWebhookServer(t)
	wh := NewWebhook(WebhookConfig{PostURL: srv.URL + "/post"})

	_, err := wh.Post(context.Background(), task.PostAction{Platforms: []string{"x"}, Text: "Live!"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow down")
	assert.Equal(t, models.ErrorRateLimit, ledger.Classify(err).Class)
}

func TestWebhookContract(t *testing.T) {
	srv := newWebhookServer(t)
	wh := NewWebhook(WebhookConfig{ContractURL: srv.URL + "/contract"})
	ctx := context.Background()

	hash, err := wh.Submit(ctx, task.ContractAction{Chain: "base", Method: "mint"})
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", hash)

	receipt, err := wh.Receipt(ctx, "base", hash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(42), receipt.BlockNumber)
	assert.Equal(t, "0xfeed", receipt.TxHash)

	pending, err := wh.Receipt(ctx, "base", "0xpending")
	require.NoError(t, err)
	assert.Nil(t, pending)
}
