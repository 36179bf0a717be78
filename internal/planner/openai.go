package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/sashabaranov/go-openai"
)

const systemPrompt = `You plan work for an autonomous agent. Reply with a single JSON object:
{"summary": string, "estimated_time": string, "risks": [string],
 "steps": [{"order": int, "action": "code"|"deploy"|"contract"|"post"|"other", "description": string, "details": object}]}
Details per action:
- code: {"repo", "new_repo", "branch", "files": {path: content}, "commit_message"}
- deploy: {"target", "project", "source"}
- contract: {"chain", "address", "method", "args", "value"}
- post: {"platforms": [string], "text", "media_url"}
- other: {"name", "params"}
Keep plans short and concrete.`

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// ChatClient is the subset of the go-openai client the generator uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type OpenAIGenerator struct {
	client ChatClient
	model  string
}

func NewOpenAIGenerator(apiKey, baseURL, model string) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

type planResponse struct {
	Summary       string      `json:"summary"`
	EstimatedTime string      `json:"estimated_time"`
	Risks         []string    `json:"risks"`
	Steps         []task.Step `json:"steps"`
}

func (g *OpenAIGenerator) Generate(ctx context.Context, t *task.Task, pc Context) (*task.Plan, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(t, pc)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, ledger.NewUpstreamError("generate plan", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ledger.UpstreamError{Op: "generate plan", Class: models.ErrorExternalService, Err: errors.New("empty completion")}
	}

	var parsed planResponse
	if err := json.Unmarshal([]byte(extractJSON(resp.Choices[0].Message.Content)), &parsed); err != nil {
		return nil, &ledger.UpstreamError{
			Op:    "generate plan",
			Class: models.ErrorValidation,
			Err:   fmt.Errorf("malformed plan: %w", err),
		}
	}

	return &task.Plan{
		Summary:       parsed.Summary,
		Steps:         parsed.Steps,
		EstimatedTime: parsed.EstimatedTime,
		Risks:         parsed.Risks,
	}, nil
}

func buildPrompt(t *task.Task, pc Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", t.Description)
	}
	if t.Chain != "" {
		fmt.Fprintf(&b, "Chain: %s\n", t.Chain)
	}

	if len(pc.Goals) > 0 {
		b.WriteString("\nGoals:\n")
		for _, goal := range pc.Goals {
			fmt.Fprintf(&b, "- %s\n", goal)
		}
	}

	if len(pc.CompletedProjects) > 0 {
		b.WriteString("\nRecently completed:\n")
		for _, p := range pc.CompletedProjects {
			fmt.Fprintf(&b, "- %s", p.Title)
			if len(p.Outputs) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(p.Outputs, ", "))
			}
			b.WriteString("\n")
		}
	}

	if pc.Insights != "" {
		fmt.Fprintf(&b, "\nRecent outcomes:\n%s", pc.Insights)
	}

	return b.String()
}

// extractJSON tolerates models that wrap the object in a markdown fence even
// in JSON mode.
func extractJSON(content string) string {
	if m := fencedJSON.FindStringSubmatch(content); len(m) > 1 {
		return m[1]
	}

	return strings.TrimSpace(content)
}
