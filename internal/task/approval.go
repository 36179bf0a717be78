package task

import "time"

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExecuted ApprovalStatus = "executed"
)

// ApprovalRequest gates one plan. Its ID is the plan ID.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Status      ApprovalStatus `json:"status"`
	SentAt      time.Time      `json:"sent_at"`
	RespondedAt *time.Time     `json:"responded_at,omitempty"`
}

func NewApprovalRequest(plan *Plan) *ApprovalRequest {
	return &ApprovalRequest{
		ID:     plan.ID,
		TaskID: plan.TaskID,
		Status: ApprovalPending,
		SentAt: time.Now().UTC(),
	}
}
