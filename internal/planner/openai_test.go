package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, status int, content string) (*httptest.Server, *openai.ChatCompletionRequest) {
	t.Helper()

	var captured openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream overloaded","type":"server_error"}}`))
			return
		}

		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Choices: []openai.ChatCompletionChoice{{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	}))
	t.Cleanup(server.Close)

	return server, &captured
}

const landingPlan = `{
  "summary": "Ship the landing page",
  "estimated_time": "2h",
  "risks": ["domain not verified"],
  "steps": [
    {"order": 2, "action": "deploy", "description": "deploy", "details": {"target": "vercel", "project": "landing"}},
    {"order": 1, "action": "code", "description": "scaffold", "details": {"repo": "acme/landing", "new_repo": true}}
  ]
}`

func TestOpenAIGenerator(t *testing.T) {
	server, captured := completionServer(t, http.StatusOK, landingPlan)
	gen := NewOpenAIGenerator("test-key", server.URL, "gpt-4o-mini")

	tsk := task.NewTask("Ship landing page", "Marketing site for launch", "")
	plan, err := gen.Generate(context.Background(), tsk, Context{
		Goals:             []string{"launch this week"},
		CompletedProjects: []models.CompletedProject{{Title: "Docs site", Outputs: []string{"https://docs.acme.dev"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Ship the landing page", plan.Summary)
	assert.Equal(t, []string{"domain not verified"}, plan.Risks)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, task.DeployAction{Target: "vercel", Project: "landing"}, plan.Steps[0].Action)

	assert.Equal(t, "gpt-4o-mini", captured.Model)
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, captured.ResponseFormat.Type)
	require.Len(t, captured.Messages, 2)
	assert.Contains(t, captured.Messages[1].Content, "Ship landing page")
	assert.Contains(t, captured.Messages[1].Content, "launch this week")
	assert.Contains(t, captured.Messages[1].Content, "https://docs.acme.dev")
}

func TestOpenAIGeneratorFencedResponse(t *testing.T) {
	server, _ := completionServer(t, http.StatusOK, "```json\n"+landingPlan+"\n```")
	gen := NewOpenAIGenerator("test-key", server.URL, "")

	plan, err := gen.Generate(context.Background(), task.NewTask("Ship landing page", "", ""), Context{})
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 2)
}

func TestOpenAIGeneratorMalformedResponse(t *testing.T) {
	server, _ := completionServer(t, http.StatusOK, `{"summary": "x", "steps": [{"order": 1, "action": "teleport"}]}`)
	gen := NewOpenAIGenerator("test-key", server.URL, "")

	_, err := gen.Generate(context.Background(), task.NewTask("Ship landing page", "", ""), Context{})

	var upstream *ledger.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, models.ErrorValidation, upstream.Class)
}

func TestOpenAIGeneratorUpstreamFailure(t *testing.T) {
	server, _ := completionServer(t, http.StatusServiceUnavailable, "")
	gen := NewOpenAIGenerator("test-key", server.URL, "")

	_, err := gen.Generate(context.Background(), task.NewTask("Ship landing page", "", ""), Context{})

	var upstream *ledger.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, models.ErrorExternalService, upstream.Class)
}

func TestBuildPromptIncludesInsights(t *testing.T) {
	prompt := buildPrompt(task.NewTask("Post update", "", "base"), Context{Insights: "- x_post: 0/6 ok"})

	assert.Contains(t, prompt, "Chain: base")
	assert.Contains(t, prompt, "x_post: 0/6 ok")
}
