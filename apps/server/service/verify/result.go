package verify

import (
	"github.com/antinvestor/vibefix/internal/gateways/github"
)

// Reason discriminates the terminal state of a verification loop.
type Reason string

// Terminal reasons.
const (
	// ReasonSucceeded means CI reached success within the iteration budget.
	ReasonSucceeded Reason = "succeeded"

	// ReasonNoDiagnostics means CI failed but no failed-check logs could be
	// retrieved, so the loop refused to guess a correction.
	ReasonNoDiagnostics Reason = "no_diagnostics"

	// ReasonExhausted means the iteration budget ran out without a success.
	ReasonExhausted Reason = "exhausted"

	// ReasonCancelled means the loop was stopped at a suspension point
	// before CI settled.
	ReasonCancelled Reason = "cancelled"
)

// Result is the terminal record of one verification loop. It is finalized
// exactly once; the loop holds no state after returning it.
type Result struct {
	Success       bool                     `json:"success"`
	Reason        Reason                   `json:"reason"`
	Iterations    int                      `json:"iterations"`
	FinalStatus   string                   `json:"final_status"`
	ErrorLogs     []github.CheckFailureLog `json:"error_logs"`
	CorrectedCode string                   `json:"corrected_code,omitempty"`
	ErrorMessage  string                   `json:"error_message,omitempty"`
}
