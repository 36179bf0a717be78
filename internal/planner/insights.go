package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/nadmax/autopilot/internal/ledger"
)

// LedgerInsights summarizes recent outcomes so the generator can steer away
// from skills that keep failing.
type LedgerInsights struct {
	Ledger     *ledger.Ledger
	WindowDays int
}

func (li LedgerInsights) Insights(ctx context.Context) (string, error) {
	summary, err := li.Ledger.Summary(ctx, li.WindowDays)
	if err != nil {
		return "", err
	}
	if summary.Total == 0 {
		return "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d days: %d actions, %.0f%% succeeded.\n", summary.WindowDays, summary.Total, summary.SuccessRate*100)
	for _, s := range summary.Skills {
		fmt.Fprintf(&b, "- %s: %d/%d ok", s.Skill, s.Successes, s.Total)
		if s.CommonErrorClass != "" {
			fmt.Fprintf(&b, ", mostly failing with %s", s.CommonErrorClass)
		}
		b.WriteString("\n")
	}

	return b.String(), nil
}
