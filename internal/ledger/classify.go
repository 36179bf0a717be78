package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/autopilot/internal/repository/models"
)

// Classification tells a caller what kind of failure it saw. Whether to retry
// is the caller's decision; RetryAfter is only a suggestion.
type Classification struct {
	Class      models.ErrorClass `json:"class"`
	Retryable  bool              `json:"retryable"`
	RetryAfter time.Duration     `json:"retry_after"`
}

type rule struct {
	class      models.ErrorClass
	retryable  bool
	retryAfter time.Duration
	needles    []string
}

// Order matters: the first rule with a matching needle wins.
var rules = []rule{
	{
		class:      models.ErrorRateLimit,
		retryable:  true,
		retryAfter: time.Minute,
		needles:    []string{"429", "rate limit", "ratelimit", "too many requests", "quota exceeded"},
	},
	{
		class:   models.ErrorAuth,
		needles: []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "authentication", "permission denied"},
	},
	{
		class:      models.ErrorTimeout,
		retryable:  true,
		retryAfter: 10 * time.Second,
		needles:    []string{"timeout", "timed out", "deadline exceeded"},
	},
	{
		class:      models.ErrorNetwork,
		retryable:  true,
		retryAfter: 5 * time.Second,
		needles:    []string{"connection refused", "connection reset", "econnreset", "econnrefused", "no such host", "network", "broken pipe", "eof"},
	},
	{
		class:      models.ErrorExternalService,
		retryable:  true,
		retryAfter: 30 * time.Second,
		needles:    []string{"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "gateway timeout", "upstream"},
	},
	{
		class:   models.ErrorValidation,
		needles: []string{"400", "invalid", "validation", "missing", "required", "malformed", "unknown step action"},
	},
}

func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) && upstream.Class != "" {
		return classificationFor(upstream.Class)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classificationFor(models.ErrorTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return classificationFor(models.ErrorTimeout)
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, needle := range r.needles {
			if strings.Contains(msg, needle) {
				return Classification{Class: r.class, Retryable: r.retryable, RetryAfter: r.retryAfter}
			}
		}
	}

	return Classification{Class: models.ErrorLogic}
}

func classificationFor(class models.ErrorClass) Classification {
	for _, r := range rules {
		if r.class == class {
			return Classification{Class: r.class, Retryable: r.retryable, RetryAfter: r.retryAfter}
		}
	}

	return Classification{Class: class}
}

// UpstreamError marks a failed collaborator call and carries its error class.
type UpstreamError struct {
	Op    string
	Class models.ErrorClass
	Err   error
}

func NewUpstreamError(op string, err error) *UpstreamError {
	return &UpstreamError{Op: op, Class: Classify(err).Class, Err: err}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Class, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ClassForStatus maps an HTTP status code of a failed call to an error class.
func ClassForStatus(code int) models.ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return models.ErrorRateLimit
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return models.ErrorAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return models.ErrorTimeout
	case code >= 500:
		return models.ErrorExternalService
	case code >= 400:
		return models.ErrorValidation
	default:
		return models.ErrorLogic
	}
}
