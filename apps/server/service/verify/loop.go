// Package verify implements the CI self-correction loop that runs after a
// fix pull request is opened.
//
// Each iteration waits for the PR's CI to settle, and on failure feeds the
// failed-check logs to the reasoning gateway, commits the corrected code to
// the fix branch, and goes around again. The loop always returns a terminal
// Result; gateway errors degrade an iteration instead of escaping.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/vibefix/internal/events"
	"github.com/antinvestor/vibefix/internal/gateways/github"
	"github.com/antinvestor/vibefix/internal/reasoning"
)

// Default loop configuration constants.
const (
	defaultMaxIterations      = 3
	defaultPollTimeoutSeconds = 300
	defaultPollInterval       = 15 * time.Second
	defaultSettleDelay        = 5 * time.Second
)

// Config bounds one verification loop.
type Config struct {
	// MaxIterations caps correction cycles so a hopeless PR cannot spend
	// reasoning budget forever.
	MaxIterations int

	// PollTimeout bounds one Await-CI phase.
	PollTimeout time.Duration

	// PollInterval is the delay between CI status polls.
	PollInterval time.Duration

	// SettleDelay is the pause after a corrective commit, giving the CI
	// provider time to register the new head before the next poll reads a
	// stale pre-commit status.
	SettleDelay time.Duration
}

// DefaultConfig returns the stock loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations: defaultMaxIterations,
		PollTimeout:   defaultPollTimeoutSeconds * time.Second,
		PollInterval:  defaultPollInterval,
		SettleDelay:   defaultSettleDelay,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaults.MaxIterations
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaults.PollTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaults.SettleDelay
	}
	return c
}

// CIGateway is the repository capability surface the loop consumes.
type CIGateway interface {
	GetCIStatus(ctx context.Context, ref github.RepoRef, prNumber int) (*github.CIStatus, error)
	GetFailedCheckLogs(ctx context.Context, ref github.RepoRef, prNumber int) ([]github.CheckFailureLog, error)
	CommitFile(ctx context.Context, ref github.RepoRef, branch, path, message string, content []byte) (string, error)
}

// Corrector proposes corrected code from CI failure logs.
type Corrector interface {
	ProposeCorrection(ctx context.Context, code string, logs []reasoning.CheckFailure, filePath string) (*reasoning.Correction, *reasoning.Invocation, error)
}

// Emitter publishes lifecycle events.
type Emitter interface {
	EmitWithType(ctx context.Context, eventType events.EventType, payload any) error
}

// Params identify the pull request one loop watches and the code it starts
// from.
type Params struct {
	JobID       events.JobID
	Repo        github.RepoRef
	PRNumber    int
	Branch      string
	FilePath    string
	InitialCode string
}

// Loop verifies one pull request. Construct with NewLoop and drive it with
// Run exactly once.
type Loop struct {
	ci        CIGateway
	corrector Corrector
	emitter   Emitter
	params    Params
	cfg       Config
}

// NewLoop creates a verification loop. Zero config fields fall back to the
// stock values.
func NewLoop(ci CIGateway, corrector Corrector, emitter Emitter, params Params, cfg Config) *Loop {
	return &Loop{
		ci:        ci,
		corrector: corrector,
		emitter:   emitter,
		params:    params,
		cfg:       cfg.withDefaults(),
	}
}

// Key returns the exclusion key for the pull request this loop watches.
func (l *Loop) Key() string {
	return events.VerificationLockKey(l.params.Repo.String(), l.params.PRNumber)
}

// Run drives the loop to a terminal Result. Cancellation at a suspension
// point yields a Cancelled result rather than an error; no error or panic
// crosses this boundary.
func (l *Loop) Run(ctx context.Context) *Result {
	log := util.Log(ctx)

	l.emit(ctx, events.VerificationStarted, &events.VerificationStartedPayload{
		JobID:         l.params.JobID,
		Repo:          l.params.Repo.String(),
		PRNumber:      l.params.PRNumber,
		Branch:        l.params.Branch,
		FilePath:      l.params.FilePath,
		MaxIterations: l.cfg.MaxIterations,
		StartedAt:     time.Now(),
	})

	current := l.params.InitialCode
	var lastLogs []github.CheckFailureLog

	iteration := 0
	for iteration < l.cfg.MaxIterations {
		iteration++

		status, err := l.awaitCI(ctx)
		if err != nil {
			return l.finish(ctx, l.cancelledResult(iteration, current, lastLogs))
		}

		if status.State == github.CISuccess {
			return l.finish(ctx, &Result{
				Success:       true,
				Reason:        ReasonSucceeded,
				Iterations:    iteration,
				FinalStatus:   string(github.CISuccess),
				ErrorLogs:     []github.CheckFailureLog{},
				CorrectedCode: current,
			})
		}

		if status.State != github.CIFailure && status.State != github.CIError {
			// Still pending after the poll budget. The iteration is spent;
			// the next pass polls the same head afresh.
			log.Warn("ci still pending after poll budget",
				"pr", l.params.PRNumber, "iteration", iteration)
			l.emitIteration(ctx, iteration, status, "")
			continue
		}

		logs, err := l.ci.GetFailedCheckLogs(ctx, l.params.Repo, l.params.PRNumber)
		if err != nil {
			if ctx.Err() != nil {
				return l.finish(ctx, l.cancelledResult(iteration, current, lastLogs))
			}
			log.WithError(err).Warn("could not fetch failed check logs",
				"pr", l.params.PRNumber, "iteration", iteration)
			l.emitIteration(ctx, iteration, status, "")
			continue
		}

		if len(logs) == 0 {
			return l.finish(ctx, &Result{
				Success:       false,
				Reason:        ReasonNoDiagnostics,
				Iterations:    iteration,
				FinalStatus:   string(status.State),
				ErrorLogs:     logsFromChecks(status.Checks),
				CorrectedCode: current,
				ErrorMessage:  "CI failed but no specific error logs found",
			})
		}
		lastLogs = logs

		sha, next, err := l.correct(ctx, iteration, current, logs)
		if err != nil {
			if ctx.Err() != nil {
				return l.finish(ctx, l.cancelledResult(iteration, current, lastLogs))
			}
			log.WithError(err).Warn("correction cycle degraded",
				"pr", l.params.PRNumber, "iteration", iteration)
			l.emitIteration(ctx, iteration, status, "")
			continue
		}
		current = next

		l.emitIteration(ctx, iteration, status, sha)

		if !l.settle(ctx) {
			return l.finish(ctx, l.cancelledResult(iteration, current, lastLogs))
		}
	}

	return l.finish(ctx, &Result{
		Success:       false,
		Reason:        ReasonExhausted,
		Iterations:    iteration,
		FinalStatus:   "timeout",
		ErrorLogs:     lastLogs,
		CorrectedCode: current,
		ErrorMessage:  fmt.Sprintf("Maximum iterations (%d) reached without CI success", l.cfg.MaxIterations),
	})
}

// awaitCI polls the PR's CI state until it settles or the poll budget runs
// out, returning the last observation either way. Transient poll errors are
// absorbed; only cancellation surfaces as an error.
func (l *Loop) awaitCI(ctx context.Context) (*github.CIStatus, error) {
	log := util.Log(ctx)
	deadline := time.Now().Add(l.cfg.PollTimeout)

	var last *github.CIStatus
	for {
		status, err := l.ci.GetCIStatus(ctx, l.params.Repo, l.params.PRNumber)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).Warn("ci status poll failed", "pr", l.params.PRNumber)
		default:
			last = status
			if status.State.Terminal() {
				return status, nil
			}
		}

		if time.Now().After(deadline) {
			if last == nil {
				return &github.CIStatus{State: github.CIPending}, nil
			}
			return last, nil
		}

		timer := time.NewTimer(l.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// correct runs one correction cycle: propose corrected code from the failed
// check logs and commit it to the fix branch. A missing corrected_code keeps
// the current code; a commit failure leaves the working code unchanged since
// the remote never advanced.
func (l *Loop) correct(
	ctx context.Context,
	iteration int,
	current string,
	logs []github.CheckFailureLog,
) (string, string, error) {
	correction, _, err := l.corrector.ProposeCorrection(ctx, current, checkFailures(logs), l.params.FilePath)
	if err != nil {
		return "", current, fmt.Errorf("self-correction failed: %w", err)
	}
	if correction == nil {
		return "", current, errors.New("self-correction returned no correction")
	}

	next := current
	if correction.CorrectedCode != "" {
		next = correction.CorrectedCode
	}

	sha, err := l.ci.CommitFile(ctx, l.params.Repo, l.params.Branch, l.params.FilePath,
		correctionMessage(iteration, correction), []byte(next))
	if err != nil {
		return "", current, fmt.Errorf("failed to commit correction: %w", err)
	}

	return sha, next, nil
}

// settle waits out the post-commit delay, reporting false on cancellation.
func (l *Loop) settle(ctx context.Context) bool {
	timer := time.NewTimer(l.cfg.SettleDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Loop) cancelledResult(iteration int, code string, logs []github.CheckFailureLog) *Result {
	return &Result{
		Success:       false,
		Reason:        ReasonCancelled,
		Iterations:    iteration,
		FinalStatus:   "cancelled",
		ErrorLogs:     logs,
		CorrectedCode: code,
		ErrorMessage:  "verification cancelled before CI settled",
	}
}

// finish emits the terminal event and returns the result unchanged.
func (l *Loop) finish(ctx context.Context, res *Result) *Result {
	// The terminal event still publishes after cancellation.
	emitCtx := context.WithoutCancel(ctx)

	eventType := events.VerificationFailed
	switch res.Reason {
	case ReasonSucceeded:
		eventType = events.VerificationSucceeded
	case ReasonExhausted:
		eventType = events.VerificationExhausted
	case ReasonCancelled:
		eventType = events.VerificationCancelled
	case ReasonNoDiagnostics:
		eventType = events.VerificationFailed
	}

	l.emit(emitCtx, eventType, &events.VerificationFinishedPayload{
		JobID:        l.params.JobID,
		Repo:         l.params.Repo.String(),
		PRNumber:     l.params.PRNumber,
		Success:      res.Success,
		Iterations:   res.Iterations,
		FinalState:   res.FinalStatus,
		ErrorMessage: res.ErrorMessage,
		FinishedAt:   time.Now(),
	})

	util.Log(emitCtx).Info("verification loop finished",
		"pr", l.params.PRNumber,
		"reason", string(res.Reason),
		"iterations", res.Iterations,
		"final_status", res.FinalStatus)

	return res
}

func (l *Loop) emitIteration(ctx context.Context, iteration int, status *github.CIStatus, sha string) {
	l.emit(ctx, events.VerificationIterated, &events.VerificationIteratedPayload{
		JobID:        l.params.JobID,
		Repo:         l.params.Repo.String(),
		PRNumber:     l.params.PRNumber,
		Iteration:    iteration,
		CIState:      string(status.State),
		FailedChecks: len(status.FailedChecks()),
		CommitSHA:    sha,
	})
}

// emit publishes a lifecycle event. Emission is telemetry: a publish failure
// is logged, never allowed to abort the loop.
func (l *Loop) emit(ctx context.Context, eventType events.EventType, payload any) {
	if l.emitter == nil {
		return
	}
	if err := l.emitter.EmitWithType(ctx, eventType, payload); err != nil {
		util.Log(ctx).WithError(err).Warn("failed to emit event", "event", string(eventType))
	}
}

// checkFailures maps gateway check logs into the reasoning contract shape.
func checkFailures(logs []github.CheckFailureLog) []reasoning.CheckFailure {
	failures := make([]reasoning.CheckFailure, 0, len(logs))
	for _, entry := range logs {
		failures = append(failures, reasoning.CheckFailure{
			Name:       entry.CheckName,
			Conclusion: entry.Conclusion,
			Title:      entry.Title,
			Summary:    entry.Summary,
		})
	}
	return failures
}

// logsFromChecks shapes the raw poll observation into the result's log form
// for the no-diagnostics terminal, where no per-check output exists.
func logsFromChecks(checks []github.CheckStatus) []github.CheckFailureLog {
	logs := make([]github.CheckFailureLog, 0, len(checks))
	for _, check := range checks {
		logs = append(logs, github.CheckFailureLog{
			CheckName:  check.Name,
			Conclusion: string(check.State),
			Summary:    check.Description,
		})
	}
	return logs
}

func correctionMessage(iteration int, correction *reasoning.Correction) string {
	return fmt.Sprintf(
		"fix: Auto-correct CI errors (iteration %d)\n\nError analysis: %s\nChanges: %s",
		iteration,
		orDefault(correction.ErrorAnalysis, "N/A"),
		orDefault(correction.ChangesMade, "N/A"),
	)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
