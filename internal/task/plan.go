package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/autopilot/internal/repository/models"
)

type ActionKind string

const (
	KindCode     ActionKind = "code"
	KindDeploy   ActionKind = "deploy"
	KindContract ActionKind = "contract"
	KindPost     ActionKind = "post"
	KindOther    ActionKind = "other"
)

var (
	ErrUnknownAction = errors.New("unknown step action")
	ErrEmptyPlan     = errors.New("plan has no steps")
)

type Plan struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	Summary       string    `json:"summary"`
	Steps         []Step    `json:"steps"`
	EstimatedTime string    `json:"estimated_time,omitempty"`
	Risks         []string  `json:"risks,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Step is one ordered action within a plan. On the wire the action is the
// kind tag and its fields live under "details".
type Step struct {
	Order       int
	Action      Action
	Description string
}

// Output is one typed entry of a task result.
type Output struct {
	Type string         `json:"type"`
	URL  string         `json:"url,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// ActionDispatcher has one method per action variant. Adding a variant adds a
// method here, so every dispatcher stops compiling until it handles it.
type ActionDispatcher interface {
	DispatchCode(ctx context.Context, a CodeAction) (Output, error)
	DispatchDeploy(ctx context.Context, a DeployAction) (Output, error)
	DispatchContract(ctx context.Context, a ContractAction) (Output, error)
	DispatchPost(ctx context.Context, a PostAction) (Output, error)
	DispatchOther(ctx context.Context, a OtherAction) (Output, error)
}

// Action is the closed set of step variants. The unexported method keeps
// implementations inside this package.
type Action interface {
	Kind() ActionKind
	Skill() string
	ActionType() models.ActionType
	Accept(ctx context.Context, d ActionDispatcher) (Output, error)
	isAction()
}

type CodeAction struct {
	Repo          string            `json:"repo"`
	NewRepo       bool              `json:"new_repo,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	Files         map[string]string `json:"files,omitempty"`
	CommitMessage string            `json:"commit_message,omitempty"`
}

type DeployAction struct {
	Target  string `json:"target"`
	Project string `json:"project"`
	Source  string `json:"source,omitempty"`
}

type ContractAction struct {
	Chain   string `json:"chain"`
	Address string `json:"address,omitempty"`
	Method  string `json:"method"`
	Args    []any  `json:"args,omitempty"`
	Value   string `json:"value,omitempty"`
}

type PostAction struct {
	Platforms []string `json:"platforms"`
	Text      string   `json:"text"`
	MediaURL  string   `json:"media_url,omitempty"`
}

type OtherAction struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

func (CodeAction) Kind() ActionKind     { return KindCode }
func (DeployAction) Kind() ActionKind   { return KindDeploy }
func (ContractAction) Kind() ActionKind { return KindContract }
func (PostAction) Kind() ActionKind     { return KindPost }
func (OtherAction) Kind() ActionKind    { return KindOther }

func (CodeAction) ActionType() models.ActionType     { return models.ActionPR }
func (DeployAction) ActionType() models.ActionType   { return models.ActionDeploy }
func (ContractAction) ActionType() models.ActionType { return models.ActionTrade }
func (PostAction) ActionType() models.ActionType     { return models.ActionPost }
func (OtherAction) ActionType() models.ActionType    { return models.ActionTask }

func (a CodeAction) Skill() string {
	if a.NewRepo {
		return "code_generation"
	}
	return "github_push"
}

func (a DeployAction) Skill() string {
	if a.Target == "" {
		return "deploy"
	}
	return a.Target + "_deploy"
}

func (ContractAction) Skill() string { return "contract_call" }

func (a PostAction) Skill() string {
	if len(a.Platforms) == 0 {
		return "social_post"
	}
	return a.Platforms[0] + "_post"
}

func (a OtherAction) Skill() string {
	if a.Name == "" {
		return "other"
	}
	return a.Name
}

func (a CodeAction) Accept(ctx context.Context, d ActionDispatcher) (Output, error) {
	return d.DispatchCode(ctx, a)
}

func (a DeployAction) Accept(ctx context.Context, d ActionDispatcher) (Output, error) {
	return d.DispatchDeploy(ctx, a)
}

func (a ContractAction) Accept(ctx context.Context, d ActionDispatcher) (Output, error) {
	return d.DispatchContract(ctx, a)
}

func (a PostAction) Accept(ctx context.Context, d ActionDispatcher) (Output, error) {
	return d.DispatchPost(ctx, a)
}

func (a OtherAction) Accept(ctx context.Context, d ActionDispatcher) (Output, error) {
	return d.DispatchOther(ctx, a)
}

func (CodeAction) isAction()     {}
func (DeployAction) isAction()   {}
func (ContractAction) isAction() {}
func (PostAction) isAction()     {}
func (OtherAction) isAction()    {}

type stepJSON struct {
	Order       int             `json:"order"`
	Action      ActionKind      `json:"action"`
	Description string          `json:"description"`
	Details     json.RawMessage `json:"details,omitempty"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	if s.Action == nil {
		return nil, fmt.Errorf("step %d: %w", s.Order, ErrUnknownAction)
	}

	details, err := json.Marshal(s.Action)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step details: %w", err)
	}

	return json.Marshal(stepJSON{
		Order:       s.Order,
		Action:      s.Action.Kind(),
		Description: s.Description,
		Details:     details,
	})
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	action, err := decodeAction(raw.Action, raw.Details)
	if err != nil {
		return fmt.Errorf("step %d: %w", raw.Order, err)
	}

	s.Order = raw.Order
	s.Action = action
	s.Description = raw.Description
	return nil
}

func decodeAction(kind ActionKind, details json.RawMessage) (Action, error) {
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}

	switch kind {
	case KindCode:
		var a CodeAction
		err := json.Unmarshal(details, &a)
		return a, err
	case KindDeploy:
		var a DeployAction
		err := json.Unmarshal(details, &a)
		return a, err
	case KindContract:
		var a ContractAction
		err := json.Unmarshal(details, &a)
		return a, err
	case KindPost:
		var a PostAction
		err := json.Unmarshal(details, &a)
		return a, err
	case KindOther:
		var a OtherAction
		err := json.Unmarshal(details, &a)
		return a, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}
}

// Prepare binds a freshly generated plan to its task: it assigns the id and
// creation time when missing and sorts the steps by order.
func (p *Plan) Prepare(taskID string) error {
	if len(p.Steps) == 0 {
		return ErrEmptyPlan
	}
	for _, s := range p.Steps {
		if s.Action == nil {
			return fmt.Errorf("step %d: %w", s.Order, ErrUnknownAction)
		}
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.TaskID = taskID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.SortSteps()

	return nil
}

func (p *Plan) SortSteps() {
	sort.SliceStable(p.Steps, func(i, j int) bool {
		return p.Steps[i].Order < p.Steps[j].Order
	})
}
