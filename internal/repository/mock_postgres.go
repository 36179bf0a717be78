package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
)

// MockPostgresRepository is an in-memory stand-in for every Postgres repository.
// It records calls and lets tests inject an error per operation.
type MockPostgresRepository struct {
	mu                 sync.Mutex
	Tasks              map[string]*task.Task
	taskOrder          []string
	Approvals          map[string]*task.ApprovalRequest
	Outcomes           []models.OutcomeRecord
	DailyPosts         map[string]models.DailyPost
	Projects           []models.CompletedProject
	CreateTaskCalls    []string
	UpdateTaskCalls    []UpdateTaskCall
	InsertOutcomeCalls int
	CreateTaskError    error
	GetTaskError       error
	UpdateTaskError    error
	ListTasksError     error
	CreateApprovalErr  error
	GetApprovalError   error
	UpdateApprovalErr  error
	ListApprovalsError error
	InsertOutcomeError error
	OutcomeStatsError  error
	HasDailyPostError  error
	InsertDailyError   error
	SaveProjectError   error
	ListProjectsError  error
}

type UpdateTaskCall struct {
	TaskID   string
	Status   task.TaskStatus
	Expected []task.TaskStatus
}

func NewMockPostgresRepository() *MockPostgresRepository {
	return &MockPostgresRepository{
		Tasks:      make(map[string]*task.Task),
		Approvals:  make(map[string]*task.ApprovalRequest),
		DailyPosts: make(map[string]models.DailyPost),
	}
}

func (m *MockPostgresRepository) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateTaskCalls = append(m.CreateTaskCalls, t.ID)

	if m.CreateTaskError != nil {
		return m.CreateTaskError
	}
	if _, exists := m.Tasks[t.ID]; exists {
		return fmt.Errorf("%w: task %s already exists", ErrConflict, t.ID)
	}

	m.Tasks[t.ID] = cloneTask(t)
	m.taskOrder = append(m.taskOrder, t.ID)
	return nil
}

func (m *MockPostgresRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskError != nil {
		return nil, m.GetTaskError
	}

	t, exists := m.Tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}

	return cloneTask(t), nil
}

func (m *MockPostgresRepository) UpdateTask(ctx context.Context, t *task.Task, expected ...task.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateTaskCalls = append(m.UpdateTaskCalls, UpdateTaskCall{
		TaskID:   t.ID,
		Status:   t.Status,
		Expected: expected,
	})

	if m.UpdateTaskError != nil {
		return m.UpdateTaskError
	}

	current, exists := m.Tasks[t.ID]
	if !exists {
		return fmt.Errorf("%w: task %s", ErrNotFound, t.ID)
	}
	if len(expected) > 0 && !slices.Contains(expected, current.Status) {
		return fmt.Errorf("%w: task %s is %s", ErrConflict, t.ID, current.Status)
	}

	m.Tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *MockPostgresRepository) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListTasksError != nil {
		return nil, m.ListTasksError
	}

	var tasks []*task.Task
	for _, id := range m.taskOrder {
		t := m.Tasks[id]
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, t.Status) {
			continue
		}
		if !filter.UpdatedSince.IsZero() && t.UpdatedAt.Before(filter.UpdatedSince) {
			continue
		}
		tasks = append(tasks, cloneTask(t))
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if filter.NewestFirst {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}

	return tasks, nil
}

func (m *MockPostgresRepository) CreateApproval(ctx context.Context, r *task.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateApprovalErr != nil {
		return m.CreateApprovalErr
	}

	for _, existing := range m.Approvals {
		if existing.TaskID == r.TaskID && existing.Status == task.ApprovalPending && r.Status == task.ApprovalPending {
			return fmt.Errorf("%w: approval request for task %s", ErrConflict, r.TaskID)
		}
	}
	if _, exists := m.Approvals[r.ID]; exists {
		return fmt.Errorf("%w: approval request %s", ErrConflict, r.ID)
	}

	reqCopy := *r
	m.Approvals[r.ID] = &reqCopy
	return nil
}

func (m *MockPostgresRepository) GetApproval(ctx context.Context, requestID string) (*task.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetApprovalError != nil {
		return nil, m.GetApprovalError
	}

	r, exists := m.Approvals[requestID]
	if !exists {
		return nil, fmt.Errorf("%w: approval request %s", ErrNotFound, requestID)
	}

	reqCopy := *r
	return &reqCopy, nil
}

func (m *MockPostgresRepository) UpdateApprovalStatus(ctx context.Context, requestID string, from, to task.ApprovalStatus, respondedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateApprovalErr != nil {
		return m.UpdateApprovalErr
	}

	r, exists := m.Approvals[requestID]
	if !exists {
		return fmt.Errorf("%w: approval request %s", ErrNotFound, requestID)
	}
	if r.Status != from {
		return fmt.Errorf("%w: approval request %s is %s", ErrConflict, requestID, r.Status)
	}

	r.Status = to
	if r.RespondedAt == nil {
		at := respondedAt
		r.RespondedAt = &at
	}

	return nil
}

func (m *MockPostgresRepository) ListApprovals(ctx context.Context, taskID string, status task.ApprovalStatus) ([]*task.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListApprovalsError != nil {
		return nil, m.ListApprovalsError
	}

	var requests []*task.ApprovalRequest
	for _, r := range m.Approvals {
		if taskID != "" && r.TaskID != taskID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		reqCopy := *r
		requests = append(requests, &reqCopy)
	}

	sort.Slice(requests, func(i, j int) bool {
		return requests[i].SentAt.Before(requests[j].SentAt)
	})

	return requests, nil
}

func (m *MockPostgresRepository) InsertOutcome(ctx context.Context, r *models.OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.InsertOutcomeCalls++

	if m.InsertOutcomeError != nil {
		return m.InsertOutcomeError
	}

	m.Outcomes = append(m.Outcomes, *r)
	return nil
}

func (m *MockPostgresRepository) OutcomeStats(ctx context.Context, since time.Time, skill string) ([]models.SkillStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OutcomeStatsError != nil {
		return nil, m.OutcomeStatsError
	}

	type acc struct {
		stats    models.SkillStats
		duration int64
		errors   map[models.ErrorClass]int
	}

	bySkill := make(map[string]*acc)
	for _, r := range m.Outcomes {
		if !r.CreatedAt.After(since) {
			continue
		}
		if skill != "" && r.Skill != skill {
			continue
		}

		a, ok := bySkill[r.Skill]
		if !ok {
			a = &acc{stats: models.SkillStats{Skill: r.Skill}, errors: make(map[models.ErrorClass]int)}
			bySkill[r.Skill] = a
		}

		a.stats.Total++
		a.duration += r.DurationMs
		if r.Success {
			a.stats.Successes++
		} else {
			a.errors[r.ErrorClass]++
		}
		if a.stats.LastAttemptedAt == nil || r.CreatedAt.After(*a.stats.LastAttemptedAt) {
			at := r.CreatedAt
			a.stats.LastAttemptedAt = &at
		}
	}

	stats := make([]models.SkillStats, 0, len(bySkill))
	for _, a := range bySkill {
		s := a.stats
		s.Failures = s.Total - s.Successes
		s.SuccessRate = float64(s.Successes) / float64(s.Total)
		s.AvgDurationMs = float64(a.duration) / float64(s.Total)

		best := 0
		for class, count := range a.errors {
			if count > best || (count == best && class < s.CommonErrorClass) {
				best = count
				s.CommonErrorClass = class
			}
		}

		stats = append(stats, s)
	}

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Skill < stats[j].Skill
	})

	return stats, nil
}

func (m *MockPostgresRepository) ListOutcomes(ctx context.Context, actionID string, limit int) ([]models.OutcomeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []models.OutcomeRecord
	for i := len(m.Outcomes) - 1; i >= 0; i-- {
		r := m.Outcomes[i]
		if actionID != "" && r.ActionID != actionID {
			continue
		}
		records = append(records, r)
		if limit > 0 && len(records) >= limit {
			break
		}
	}

	return records, nil
}

func (m *MockPostgresRepository) HasDailyPost(ctx context.Context, postType, day string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.HasDailyPostError != nil {
		return false, m.HasDailyPostError
	}

	_, exists := m.DailyPosts[postType+"|"+day]
	return exists, nil
}

func (m *MockPostgresRepository) InsertDailyPost(ctx context.Context, p models.DailyPost) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertDailyError != nil {
		return m.InsertDailyError
	}

	key := p.PostType + "|" + p.Day
	if _, exists := m.DailyPosts[key]; !exists {
		m.DailyPosts[key] = p
	}

	return nil
}

func (m *MockPostgresRepository) SaveCompletedProject(ctx context.Context, p models.CompletedProject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveProjectError != nil {
		return m.SaveProjectError
	}

	m.Projects = append(m.Projects, p)
	return nil
}

func (m *MockPostgresRepository) ListCompletedProjects(ctx context.Context, limit int) ([]models.CompletedProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListProjectsError != nil {
		return nil, m.ListProjectsError
	}

	var projects []models.CompletedProject
	for i := len(m.Projects) - 1; i >= 0; i-- {
		projects = append(projects, m.Projects[i])
		if limit > 0 && len(projects) >= limit {
			break
		}
	}

	return projects, nil
}

func (m *MockPostgresRepository) GetTaskStatus(taskID string) (task.TaskStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, exists := m.Tasks[taskID]; exists {
		return t.Status, true
	}

	return "", false
}

func (m *MockPostgresRepository) GetUpdateTaskCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.UpdateTaskCalls)
}

func (m *MockPostgresRepository) PendingApprovalCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, r := range m.Approvals {
		if r.TaskID == taskID && r.Status == task.ApprovalPending {
			count++
		}
	}

	return count
}

func (m *MockPostgresRepository) OutcomesFor(actionID string) []models.OutcomeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []models.OutcomeRecord
	for _, r := range m.Outcomes {
		if r.ActionID == actionID {
			records = append(records, r)
		}
	}

	return records
}

func cloneTask(t *task.Task) *task.Task {
	taskCopy := *t
	if t.Plan != nil {
		planCopy := *t.Plan
		planCopy.Steps = slices.Clone(t.Plan.Steps)
		taskCopy.Plan = &planCopy
	}
	taskCopy.Result = slices.Clone(t.Result)

	return &taskCopy
}
