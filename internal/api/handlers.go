// Package api exposes the operator HTTP surface: task intake, manual plan and
// execute triggers, approval decisions and cron triggers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nadmax/autopilot/internal/approval"
	"github.com/nadmax/autopilot/internal/dashboard"
	"github.com/nadmax/autopilot/internal/dispatcher"
	"github.com/nadmax/autopilot/internal/httputil"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/nadmax/autopilot/internal/taskstore"
)

const maxBodyBytes = 1 << 20

var confirmPage = template.Must(template.New("confirm").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Plan {{.Request.ID}}</title></head>
<body>
{{if .Pending}}<p>{{.Verb}} the plan for task {{.Request.TaskID}}?</p>
<form method="post" action="/api/approvals/{{.Request.ID}}">
<input type="hidden" name="action" value="{{.Action}}">
<button type="submit">{{.Verb}}</button>
</form>{{else}}<p>The plan for task {{.Request.TaskID}} is {{.Request.Status}}.</p>{{end}}
</body></html>
`))

type confirmView struct {
	Request *task.ApprovalRequest
	Action  approval.Action
	Verb    string
	Pending bool
}

// Cron triggers that are not scheduled jobs.
const (
	TriggerTick      = "tick"
	TriggerPlan      = "plan"
	TriggerExecute   = "execute"
	TriggerReconcile = "reconcile"
)

type API struct {
	tasks      *taskstore.Store
	gate       *approval.Gate
	planner    dispatcher.Planner
	executor   dispatcher.Executor
	dispatcher *dispatcher.Dispatcher
	dashboard  *dashboard.Dashboard
	logger     *slog.Logger
	mux        *http.ServeMux
}

type Deps struct {
	Tasks      *taskstore.Store
	Gate       *approval.Gate
	Planner    dispatcher.Planner
	Executor   dispatcher.Executor
	Dispatcher *dispatcher.Dispatcher
	Dashboard  *dashboard.Dashboard
	Logger     *slog.Logger
}

type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Chain       string `json:"chain"`
}

type UpdateTaskRequest struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Chain       *string          `json:"chain"`
	Status      *task.TaskStatus `json:"status"`
}

type ApprovalDecision struct {
	Action approval.Action `json:"action"`
}

func NewAPI(deps Deps) *API {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	api := &API{
		tasks:      deps.Tasks,
		gate:       deps.Gate,
		planner:    deps.Planner,
		executor:   deps.Executor,
		dispatcher: deps.Dispatcher,
		dashboard:  deps.Dashboard,
		logger:     logger,
		mux:        http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("GET /health", a.health)

	a.mux.HandleFunc("POST /api/tasks", a.createTask)
	a.mux.HandleFunc("GET /api/tasks", a.listTasks)
	a.mux.HandleFunc("GET /api/tasks/{id}", a.getTask)
	a.mux.HandleFunc("PATCH /api/tasks/{id}", a.updateTask)
	a.mux.HandleFunc("POST /api/tasks/{id}/plan", a.generatePlan)
	a.mux.HandleFunc("POST /api/tasks/{id}/execute", a.executeTask)

	a.mux.HandleFunc("GET /api/approvals", a.listApprovals)
	// GET serves the links in the approval email and never resolves.
	a.mux.HandleFunc("GET /api/approvals/{id}", a.getApproval)
	a.mux.HandleFunc("POST /api/approvals/{id}", a.resolveApproval)

	a.mux.HandleFunc("POST /api/cron/{job}", a.triggerCron)

	if a.dashboard != nil {
		a.mux.HandleFunc("GET /api/dashboard/stats", a.dashboard.GetStats)
		a.mux.HandleFunc("GET /api/dashboard/history", a.dashboard.GetRecentTasks)
		a.mux.HandleFunc("GET /api/dashboard/outcomes", a.dashboard.GetOutcomes)
		a.mux.HandleFunc("GET /api/dashboard/skills/{skill}", a.dashboard.GetSkill)
	}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !a.decodeBody(w, r, &req) {
		return
	}

	t, err := a.tasks.Create(r.Context(), req.Title, req.Description, req.Chain)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"task": t})
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := repository.TaskFilter{NewestFirst: true}

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := task.TaskStatus(strings.TrimSpace(s))
			if !status.IsValid() {
				httputil.WriteJSONError(w, "Unknown status "+string(status), http.StatusBadRequest)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			httputil.WriteJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	tasks, err := a.tasks.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"task": t})
}

// updateTask edits task fields. The only status it sets is failed, which
// cancels the task; approval goes through the approval routes.
func (a *API) updateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if !a.decodeBody(w, r, &req) {
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		httputil.WriteJSONError(w, "Title cannot be empty", http.StatusBadRequest)
		return
	}
	if req.Status != nil && *req.Status != task.StatusFailed {
		httputil.WriteJSONError(w, "Status can only be set to failed", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	id := r.PathValue("id")

	var (
		t   *task.Task
		err error
	)
	if req.Status != nil {
		if t, err = a.gate.Cancel(ctx, id, approval.CancelledReason); err != nil {
			httputil.WriteError(w, err)
			return
		}
		a.logger.Info("Task cancelled via API", "task_id", id)
	}

	if t == nil || req.Title != nil || req.Description != nil || req.Chain != nil {
		t, err = a.tasks.Update(ctx, id, taskstore.Patch{
			Title:       req.Title,
			Description: req.Description,
			Chain:       req.Chain,
		})
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"task": t})
}

func (a *API) generatePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := a.planner.GeneratePlan(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

func (a *API) executeTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.executor.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		a.logger.Warn("Manual execution failed", "task_id", r.PathValue("id"), "error", err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"task": t})
}

func (a *API) listApprovals(w http.ResponseWriter, r *http.Request) {
	requests, err := a.gate.ListPending(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if requests == nil {
		requests = []*task.ApprovalRequest{}
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"approvals": requests})
}

// getApproval serves the approval email links. With ?action it only renders
// a confirmation form; the decision is made by the form's POST.
func (a *API) getApproval(w http.ResponseWriter, r *http.Request) {
	action := approval.Action(r.URL.Query().Get("action"))
	if action != "" && !action.IsValid() {
		httputil.WriteError(w, fmt.Errorf("%w: %q", approval.ErrInvalidAction, action))
		return
	}

	req, err := a.gate.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if action != "" {
		a.writeConfirmPage(w, req, action)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"approval": req})
}

// resolveApproval takes a JSON body, or the form posted by the confirmation
// page, which gets a page back.
func (a *API) resolveApproval(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			httputil.WriteJSONError(w, "Invalid form", http.StatusBadRequest)
			return
		}

		action := approval.Action(r.PostFormValue("action"))
		req, err := a.resolve(r.Context(), r.PathValue("id"), action)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		a.writeConfirmPage(w, req, action)
		return
	}

	var decision ApprovalDecision
	if !a.decodeBody(w, r, &decision) {
		return
	}

	req, err := a.resolve(r.Context(), r.PathValue("id"), decision.Action)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"approval": req})
}

func (a *API) resolve(ctx context.Context, id string, action approval.Action) (*task.ApprovalRequest, error) {
	req, err := a.gate.Resolve(ctx, id, action)
	if err != nil {
		return nil, err
	}

	a.logger.Info("Approval resolved via API", "request_id", req.ID, "task_id", req.TaskID, "action", action)
	return req, nil
}

func (a *API) writeConfirmPage(w http.ResponseWriter, req *task.ApprovalRequest, action approval.Action) {
	verb := "Approve"
	if action == approval.ActionReject {
		verb = "Reject"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	err := confirmPage.Execute(w, confirmView{
		Request: req,
		Action:  action,
		Verb:    verb,
		Pending: req.Status == task.ApprovalPending,
	})
	if err != nil {
		a.logger.Error("Failed to render approval page", "request_id", req.ID, "error", err)
	}
}

func (a *API) triggerCron(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job := r.PathValue("job")

	switch job {
	case TriggerTick:
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"report": a.dispatcher.Tick(ctx)})
	case TriggerPlan:
		a.writeTrigger(ctx, w, job, a.dispatcher.RunPlanGeneration)
	case TriggerExecute:
		a.writeTrigger(ctx, w, job, a.dispatcher.RunExecution)
	case TriggerReconcile:
		a.writeTrigger(ctx, w, job, a.dispatcher.RunReconcile)
	default:
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
		result, err := a.dispatcher.RunJob(ctx, job, force)
		if err != nil {
			a.logger.Warn("Manual job run failed", "job", job, "error", err)
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"job": result})
	}
}

func (a *API) writeTrigger(ctx context.Context, w http.ResponseWriter, name string, run func(context.Context) (string, error)) {
	taskID, err := run(ctx)
	if err != nil {
		a.logger.Warn("Manual trigger failed", "trigger", name, "task_id", taskID, "error", err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"trigger": name, "task_id": taskID})
}

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return false
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Warn("Failed to close request body", "error", err)
		}
	}()

	if err := json.Unmarshal(body, into); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}

	return true
}
