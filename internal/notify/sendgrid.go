// Package notify delivers approval requests and digests to a human by e-mail.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/nadmax/autopilot/internal/ledger"
	"github.com/nadmax/autopilot/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

var ErrMissingRecipient = errors.New("missing recipient address")

// Sender is the part of the SendGrid client the notifier needs.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type Config struct {
	APIKey        string
	FromName      string
	FromAddress   string
	ApproverEmail string
	// ApprovalBaseURL prefixes the approval links, e.g. https://ops.example.com.
	ApprovalBaseURL string
}

type SendGridNotifier struct {
	client Sender
	config Config
	logger *slog.Logger
}

func NewSendGridNotifier(config Config, logger *slog.Logger) *SendGridNotifier {
	return NewSendGridNotifierWithSender(sendgrid.NewSendClient(config.APIKey), config, logger)
}

func NewSendGridNotifierWithSender(client Sender, config Config, logger *slog.Logger) *SendGridNotifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &SendGridNotifier{client: client, config: config, logger: logger}
}

func (n *SendGridNotifier) NotifyPlanReady(ctx context.Context, t *task.Task, plan *task.Plan, req *task.ApprovalRequest) error {
	subject := fmt.Sprintf("Approve plan: %s", t.Title)
	text, body := renderPlan(t, plan, req, strings.TrimRight(n.config.ApprovalBaseURL, "/"))

	return n.send(ctx, n.config.ApproverEmail, subject, text, body)
}

// Send delivers a plain message to the approver, used for digests.
func (n *SendGridNotifier) Send(ctx context.Context, subject, body string) error {
	return n.send(ctx, n.config.ApproverEmail, subject, body, "<pre>"+escape(body)+"</pre>")
}

func (n *SendGridNotifier) send(ctx context.Context, to, subject, text, htmlBody string) error {
	if to == "" {
		return ErrMissingRecipient
	}

	from := mail.NewEmail(n.config.FromName, n.config.FromAddress)
	email := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), text, htmlBody)

	response, err := n.client.SendWithContext(ctx, email)
	if err != nil {
		return ledger.NewUpstreamError("send email", err)
	}
	if response.StatusCode >= 400 {
		return &ledger.UpstreamError{
			Op:    "send email",
			Class: ledger.ClassForStatus(response.StatusCode),
			Err:   fmt.Errorf("sendgrid error: status %d", response.StatusCode),
		}
	}

	n.logger.Info("Email sent", "to", to, "subject", subject, "status", response.StatusCode)
	return nil
}

func renderPlan(t *task.Task, plan *task.Plan, req *task.ApprovalRequest, baseURL string) (string, string) {
	var text, body strings.Builder

	fmt.Fprintf(&text, "%s\n\n%s\n\n", t.Title, plan.Summary)
	fmt.Fprintf(&body, "<h2>%s</h2><p>%s</p><ol>", escape(t.Title), escape(plan.Summary))

	for _, s := range plan.Steps {
		fmt.Fprintf(&text, "%d. [%s] %s\n", s.Order, s.Action.Kind(), s.Description)
		fmt.Fprintf(&body, "<li><b>%s</b> %s</li>", s.Action.Kind(), escape(s.Description))
	}
	body.WriteString("</ol>")

	if plan.EstimatedTime != "" {
		fmt.Fprintf(&text, "\nEstimated time: %s\n", plan.EstimatedTime)
	}
	if len(plan.Risks) > 0 {
		fmt.Fprintf(&text, "Risks: %s\n", strings.Join(plan.Risks, "; "))
	}

	approveURL := fmt.Sprintf("%s/api/approvals/%s?action=approve", baseURL, req.ID)
	rejectURL := fmt.Sprintf("%s/api/approvals/%s?action=reject", baseURL, req.ID)
	fmt.Fprintf(&text, "\nApprove: %s\nReject: %s\n", approveURL, rejectURL)
	fmt.Fprintf(&body, `<p><a href="%s">Approve</a> | <a href="%s">Reject</a></p>`, approveURL, rejectURL)

	return text.String(), body.String()
}

func escape(s string) string {
	return html.EscapeString(s)
}
