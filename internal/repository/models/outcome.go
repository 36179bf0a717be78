// Package models contains the records persisted by the repository layer that are
// not part of the task domain model: outcome ledger rows, dedup records, completed
// projects and the aggregated statistics read back from them.
package models

import "time"

type (
	ActionType string
	ErrorClass string
)

const (
	ActionTask     ActionType = "task"
	ActionPost     ActionType = "post"
	ActionTrade    ActionType = "trade"
	ActionPR       ActionType = "pr"
	ActionProposal ActionType = "proposal"
	ActionDeploy   ActionType = "deploy"
	ActionCron     ActionType = "cron"
	ActionAnalysis ActionType = "analysis"
)

const (
	ErrorNetwork         ErrorClass = "network"
	ErrorAuth            ErrorClass = "auth"
	ErrorRateLimit       ErrorClass = "rate_limit"
	ErrorTimeout         ErrorClass = "timeout"
	ErrorValidation      ErrorClass = "validation"
	ErrorExternalService ErrorClass = "external_service"
	ErrorLogic           ErrorClass = "logic"
)

type OutcomeRecord struct {
	ID           string         `json:"id"`
	ActionType   ActionType     `json:"action_type"`
	ActionID     string         `json:"action_id,omitempty"`
	Skill        string         `json:"skill"`
	Success      bool           `json:"success"`
	ErrorClass   ErrorClass     `json:"error_class,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Outcome      map[string]any `json:"outcome,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	RetryCount   int            `json:"retry_count"`
	CreatedAt    time.Time      `json:"created_at"`
}

type SkillStats struct {
	Skill            string     `json:"skill"`
	Total            int        `json:"total"`
	Successes        int        `json:"successes"`
	Failures         int        `json:"failures"`
	SuccessRate      float64    `json:"success_rate"`
	CommonErrorClass ErrorClass `json:"common_error_class,omitempty"`
	AvgDurationMs    float64    `json:"avg_duration_ms"`
	LastAttemptedAt  *time.Time `json:"last_attempted_at,omitempty"`
}

type OutcomeSummary struct {
	WindowDays  int          `json:"window_days"`
	Total       int          `json:"total"`
	Successes   int          `json:"successes"`
	SuccessRate float64      `json:"success_rate"`
	Skills      []SkillStats `json:"skills"`
}

type DailyPost struct {
	PostType      string    `json:"post_type"`
	Day           string    `json:"day"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	PostedAt      time.Time `json:"posted_at"`
}

type CompletedProject struct {
	TaskID      string    `json:"task_id"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary"`
	Outputs     []string  `json:"outputs,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
