// Package httputil contains shared HTTP utilities for consistent response formatting across handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nadmax/autopilot/internal/approval"
	"github.com/nadmax/autopilot/internal/dispatcher"
	"github.com/nadmax/autopilot/internal/executor"
	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/planner"
	"github.com/nadmax/autopilot/internal/repository"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/nadmax/autopilot/internal/taskstore"
)

// WriteJSON merges fields into a {"success": true} envelope.
func WriteJSON(w http.ResponseWriter, status int, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}

// WriteError maps domain errors to a status code.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSONError(w, err.Error(), StatusFor(err))
}

func StatusFor(err error) int {
	var upstream *ledger.UpstreamError

	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, dispatcher.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, taskstore.ErrTransitionConflict),
		errors.Is(err, approval.ErrAlreadyResolved),
		errors.Is(err, approval.ErrPendingExists),
		errors.Is(err, planner.ErrAlreadyPlanned),
		errors.Is(err, executor.ErrNoPlan):
		return http.StatusConflict
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.Is(err, taskstore.ErrInvalidTask),
		errors.Is(err, approval.ErrInvalidAction),
		errors.Is(err, task.ErrUnknownAction),
		errors.Is(err, task.ErrEmptyPlan):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
