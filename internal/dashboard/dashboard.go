// Package dashboard serves the read-only operator views: task counts, recent
// completions and the outcome ledger aggregates.
package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/autopilot/internal/httputil"
	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/nadmax/autopilot/internal/taskstore"
)

const (
	defaultWindowDays = 7
	maxWindowDays     = 90
)

type Dashboard struct {
	tasks  *taskstore.Store
	ledger *ledger.Ledger
	now    func() time.Time
}

type Stats struct {
	TotalTasks       int                     `json:"total_tasks"`
	TasksByStatus    map[task.TaskStatus]int `json:"tasks_by_status"`
	AwaitingApproval int                     `json:"awaiting_approval"`
	InFlight         int                     `json:"in_flight"`
	LastUpdated      time.Time               `json:"last_updated"`
}

type TaskHistory struct {
	TaskID    string          `json:"task_id"`
	Title     string          `json:"title"`
	Status    task.TaskStatus `json:"status"`
	Steps     int             `json:"steps"`
	URL       string          `json:"url,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Duration  string          `json:"duration"`
}

func NewDashboard(tasks *taskstore.Store, l *ledger.Ledger) *Dashboard {
	return &Dashboard{tasks: tasks, ledger: l, now: time.Now}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := d.tasks.CountByStatus(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	stats := Stats{
		TasksByStatus:    counts,
		AwaitingApproval: counts[task.StatusAwaitingApproval],
		InFlight:         counts[task.StatusPlanning] + counts[task.StatusApproved] + counts[task.StatusExecuting],
		LastUpdated:      d.now().UTC(),
	}
	for _, n := range counts {
		stats.TotalTasks += n
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// GetRecentTasks lists tasks completed in the last 24 hours.
func (d *Dashboard) GetRecentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := d.tasks.CompletedSince(r.Context(), d.now().Add(-24*time.Hour))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	history := []TaskHistory{}
	for _, t := range tasks {
		entry := TaskHistory{
			TaskID:    t.ID,
			Title:     t.Title,
			Status:    t.Status,
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
			Duration:  t.UpdatedAt.Sub(t.CreatedAt).Round(time.Second).String(),
		}
		if t.Plan != nil {
			entry.Steps = len(t.Plan.Steps)
		}
		for _, out := range t.Result {
			if out.URL != "" {
				entry.URL = out.URL
				break
			}
		}
		history = append(history, entry)
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"tasks": history})
}

func (d *Dashboard) GetOutcomes(w http.ResponseWriter, r *http.Request) {
	days, ok := windowDays(w, r)
	if !ok {
		return
	}

	summary, err := d.ledger.Summary(r.Context(), days)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (d *Dashboard) GetSkill(w http.ResponseWriter, r *http.Request) {
	skill := r.PathValue("skill")
	if skill == "" {
		httputil.WriteJSONError(w, "Skill is required", http.StatusBadRequest)
		return
	}

	days, ok := windowDays(w, r)
	if !ok {
		return
	}

	stats, err := d.ledger.SkillStats(r.Context(), skill, days)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"stats":      stats,
		"suppressed": d.ledger.ShouldSuppress(r.Context(), skill),
	})
}

func windowDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return defaultWindowDays, true
	}

	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 || days > maxWindowDays {
		httputil.WriteJSONError(w, "days must be between 1 and 90", http.StatusBadRequest)
		return 0, false
	}

	return days, true
}
