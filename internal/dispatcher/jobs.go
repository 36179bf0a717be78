package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nadmax/autopilot/internal/executor"
	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/repository/models"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/nadmax/autopilot/internal/taskstore"
)

// ErrNothingToPost lets a job skip a run without it counting as done for the day.
var ErrNothingToPost = errors.New("nothing to post")

const (
	JobDailyDigest  = "daily_digest"
	JobDailySummary = "daily_summary"
	JobWeeklyRecap  = "weekly_recap"
)

// Job is a calendar job keyed for the once-per-day guard. Run returns a
// correlation id for the side effect it produced, such as a post URL.
type Job struct {
	Key     string
	Hour    int
	Minute  int
	Weekday *time.Weekday
	Run     func(ctx context.Context) (string, error)
}

// DueAt reports whether now falls in [Hour:Minute, Hour:Minute+window) UTC on
// the job's weekday. Only the current day is checked, so a window must not
// run past midnight.
func (j Job) DueAt(now time.Time, window time.Duration) bool {
	now = now.UTC()
	if j.Weekday != nil && now.Weekday() != *j.Weekday {
		return false
	}

	y, m, d := now.Date()
	start := time.Date(y, m, d, j.Hour, j.Minute, 0, 0, time.UTC)

	return !now.Before(start) && now.Before(start.Add(window))
}

// Schedule is the configurable time of a built-in job.
type Schedule struct {
	Hour    int    `yaml:"hour"`
	Minute  int    `yaml:"minute"`
	Weekday string `yaml:"weekday,omitempty"`
}

// CrossesMidnight reports whether the due window starting at the scheduled
// time runs into the next UTC day.
func (s Schedule) CrossesMidnight(window time.Duration) bool {
	start := time.Duration(s.Hour)*time.Hour + time.Duration(s.Minute)*time.Minute
	return start+window > 24*time.Hour
}

func DefaultSchedules() map[string]Schedule {
	return map[string]Schedule{
		JobDailyDigest:  {Hour: 13, Minute: 0},
		JobDailySummary: {Hour: 21, Minute: 0},
		JobWeeklyRecap:  {Hour: 18, Minute: 0, Weekday: "sunday"},
	}
}

func ParseWeekday(s string) (*time.Weekday, error) {
	if s == "" {
		return nil, nil
	}

	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) {
			return &d, nil
		}
	}

	return nil, fmt.Errorf("invalid weekday %q", s)
}

// Mailer optionally receives a copy of every published report.
type Mailer interface {
	Send(ctx context.Context, subject, body string) error
}

type Reports struct {
	Tasks     *taskstore.Store
	Ledger    *ledger.Ledger
	Projects  repository.ProjectRepository
	Poster    executor.Poster
	Platforms []string
	Mailer    Mailer
	Logger    *slog.Logger
	now       func() time.Time
}

// Jobs builds the built-in report jobs for the given schedules. Keys missing
// from schedules are not registered.
func (r *Reports) Jobs(schedules map[string]Schedule) ([]Job, error) {
	runs := map[string]func(ctx context.Context) (string, error){
		JobDailyDigest:  r.dailyDigest,
		JobDailySummary: r.dailySummary,
		JobWeeklyRecap:  r.weeklyRecap,
	}

	var jobs []Job
	for _, key := range []string{JobDailyDigest, JobDailySummary, JobWeeklyRecap} {
		s, ok := schedules[key]
		if !ok {
			continue
		}
		weekday, err := ParseWeekday(s.Weekday)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", key, err)
		}
		jobs = append(jobs, Job{Key: key, Hour: s.Hour, Minute: s.Minute, Weekday: weekday, Run: runs[key]})
	}

	return jobs, nil
}

func (r *Reports) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Reports) dailyDigest(ctx context.Context) (string, error) {
	completed, err := r.Tasks.CompletedSince(ctx, r.clock().Add(-24*time.Hour))
	if err != nil {
		return "", fmt.Errorf("failed to load completed tasks: %w", err)
	}
	if len(completed) == 0 {
		return "", ErrNothingToPost
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Shipped in the last 24h (%d):\n", len(completed))
	for _, t := range completed {
		fmt.Fprintf(&b, "- %s%s\n", t.Title, firstURL(t.Result))
	}

	return r.publish(ctx, "Daily digest", b.String())
}

func (r *Reports) dailySummary(ctx context.Context) (string, error) {
	summary, err := r.Ledger.Summary(ctx, 1)
	if err != nil {
		return "", err
	}
	if summary.Total == 0 {
		return "", ErrNothingToPost
	}

	return r.publish(ctx, "Daily summary", formatSummary("Today", summary))
}

func (r *Reports) weeklyRecap(ctx context.Context) (string, error) {
	summary, err := r.Ledger.Summary(ctx, 7)
	if err != nil {
		return "", err
	}

	var projects []models.CompletedProject
	if r.Projects != nil {
		projects, err = r.Projects.ListCompletedProjects(ctx, 5)
		if err != nil {
			return "", fmt.Errorf("failed to load completed projects: %w", err)
		}
	}
	if summary.Total == 0 && len(projects) == 0 {
		return "", ErrNothingToPost
	}

	var b strings.Builder
	b.WriteString(formatSummary("This week", summary))
	if len(projects) > 0 {
		b.WriteString("Completed:\n")
		for _, p := range projects {
			fmt.Fprintf(&b, "- %s\n", p.Title)
		}
	}

	return r.publish(ctx, "Weekly recap", b.String())
}

func (r *Reports) publish(ctx context.Context, subject, text string) (string, error) {
	if r.Mailer != nil {
		if err := r.Mailer.Send(ctx, subject, text); err != nil && r.Logger != nil {
			r.Logger.Warn("Failed to mail report", "subject", subject, "error", err)
		}
	}

	if r.Poster == nil {
		if r.Mailer != nil {
			return "email:" + subject, nil
		}
		return "", fmt.Errorf("no publisher configured for %s", subject)
	}

	out, err := r.Poster.Post(ctx, task.PostAction{Platforms: r.Platforms, Text: text})
	if err != nil {
		return "", err
	}

	return out.URL, nil
}

func formatSummary(period string, s models.OutcomeSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d actions, %.0f%% successful.\n", period, s.Total, s.SuccessRate*100)
	for _, skill := range s.Skills {
		fmt.Fprintf(&b, "- %s: %d/%d\n", skill.Skill, skill.Successes, skill.Total)
	}

	return b.String()
}

func firstURL(outputs []task.Output) string {
	for _, out := range outputs {
		if out.URL != "" {
			return " " + out.URL
		}
	}

	return ""
}
