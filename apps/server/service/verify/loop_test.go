//nolint:testpackage // white-box testing requires internal package access
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/vibefix/internal/events"
	"github.com/antinvestor/vibefix/internal/gateways/github"
	"github.com/antinvestor/vibefix/internal/reasoning"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type ciCommit struct {
	message string
	content string
}

type mockCI struct {
	mu    sync.Mutex
	polls int

	// states is consumed one per poll; the last entry sticks. Empty means
	// pending forever.
	states    []github.CIState
	statusErr error
	checks    []github.CheckStatus

	logs     []github.CheckFailureLog
	logsErr  error
	logCalls int

	commitErr error
	commits   []ciCommit
}

func (m *mockCI) GetCIStatus(_ context.Context, _ github.RepoRef, _ int) (*github.CIStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.polls++
	if m.statusErr != nil {
		return nil, m.statusErr
	}

	state := github.CIPending
	if len(m.states) > 0 {
		state = m.states[0]
		if len(m.states) > 1 {
			m.states = m.states[1:]
		}
	}
	return &github.CIStatus{State: state, SHA: "head", Checks: m.checks}, nil
}

func (m *mockCI) GetFailedCheckLogs(_ context.Context, _ github.RepoRef, _ int) ([]github.CheckFailureLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logCalls++
	if m.logsErr != nil {
		return nil, m.logsErr
	}
	return m.logs, nil
}

func (m *mockCI) CommitFile(
	_ context.Context, _ github.RepoRef, _, _, message string, content []byte,
) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.commitErr != nil {
		return "", m.commitErr
	}
	m.commits = append(m.commits, ciCommit{message: message, content: string(content)})
	return fmt.Sprintf("sha-%d", len(m.commits)), nil
}

type mockCorrector struct {
	mu         sync.Mutex
	correction *reasoning.Correction
	err        error
	calls      int
	lastCode   string
	lastLogs   []reasoning.CheckFailure
}

func (m *mockCorrector) ProposeCorrection(
	_ context.Context, code string, logs []reasoning.CheckFailure, _ string,
) (*reasoning.Correction, *reasoning.Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.lastCode = code
	m.lastLogs = logs
	if m.err != nil {
		return nil, nil, m.err
	}
	return m.correction, &reasoning.Invocation{Provider: reasoning.ProviderGoogle}, nil
}

type emittedEvent struct {
	eventType events.EventType
	payload   any
}

type mockEmitter struct {
	mu      sync.Mutex
	emitted []emittedEvent
}

func (m *mockEmitter) EmitWithType(_ context.Context, eventType events.EventType, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted = append(m.emitted, emittedEvent{eventType: eventType, payload: payload})
	return nil
}

func (m *mockEmitter) has(eventType events.EventType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.emitted {
		if e.eventType == eventType {
			return true
		}
	}
	return false
}

// =============================================================================
// Fixtures
// =============================================================================

func failingLogs() []github.CheckFailureLog {
	return []github.CheckFailureLog{{
		CheckName:  "build",
		Conclusion: "failure",
		Title:      "Build failed",
		Summary:    "TS2304: Cannot find name 'Cart'.",
	}}
}

func fastConfig() Config {
	return Config{
		MaxIterations: 3,
		PollTimeout:   50 * time.Millisecond,
		PollInterval:  time.Millisecond,
		SettleDelay:   time.Millisecond,
	}
}

func newTestLoop(ci *mockCI, corrector *mockCorrector, emitter *mockEmitter, cfg Config) *Loop {
	return NewLoop(ci, corrector, emitter, Params{
		JobID:       events.NewJobID(),
		Repo:        github.RepoRef{Owner: "acme", Name: "shop"},
		PRNumber:    7,
		Branch:      "fix-vibe-a1b2c3d4",
		FilePath:    "src/App.tsx",
		InitialCode: "original code",
	}, cfg)
}

// =============================================================================
// Loop Tests
// =============================================================================

func TestLoop_Run_FirstPollSuccess(t *testing.T) {
	ci := &mockCI{states: []github.CIState{github.CISuccess}}
	corrector := &mockCorrector{}
	emitter := &mockEmitter{}

	loop := newTestLoop(ci, corrector, emitter, fastConfig())
	res := loop.Run(context.Background())

	require.True(t, res.Success)
	assert.Equal(t, ReasonSucceeded, res.Reason)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, "success", res.FinalStatus)
	assert.Equal(t, "original code", res.CorrectedCode)
	assert.Empty(t, res.ErrorLogs)

	assert.Zero(t, corrector.calls)
	assert.Empty(t, ci.commits)
	assert.True(t, emitter.has(events.VerificationStarted))
	assert.True(t, emitter.has(events.VerificationSucceeded))
}

func TestLoop_Run_NoDiagnostics(t *testing.T) {
	ci := &mockCI{
		states: []github.CIState{github.CIFailure},
		checks: []github.CheckStatus{{Name: "lint", State: github.CIFailure, Description: "exit 1"}},
	}
	corrector := &mockCorrector{}
	emitter := &mockEmitter{}

	loop := newTestLoop(ci, corrector, emitter, fastConfig())
	res := loop.Run(context.Background())

	require.False(t, res.Success)
	assert.Equal(t, ReasonNoDiagnostics, res.Reason)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, "failure", res.FinalStatus)
	assert.Equal(t, "CI failed but no specific error logs found", res.ErrorMessage)

	require.Len(t, res.ErrorLogs, 1, "the raw poll observation backs the empty log terminal")
	assert.Equal(t, "lint", res.ErrorLogs[0].CheckName)

	assert.Zero(t, corrector.calls, "no correction without diagnostics")
	assert.True(t, emitter.has(events.VerificationFailed))
}

func TestLoop_Run_CorrectedCodeRoundTrip(t *testing.T) {
	ci := &mockCI{
		states: []github.CIState{github.CIFailure, github.CISuccess},
		logs:   failingLogs(),
	}
	corrector := &mockCorrector{correction: &reasoning.Correction{
		ErrorAnalysis: "undefined symbol",
		CorrectedCode: "corrected code",
		ChangesMade:   "imported Cart",
	}}

	loop := newTestLoop(ci, corrector, &mockEmitter{}, fastConfig())
	res := loop.Run(context.Background())

	require.True(t, res.Success)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, "corrected code", res.CorrectedCode)

	assert.Equal(t, 1, corrector.calls)
	assert.Equal(t, "original code", corrector.lastCode)
	require.Len(t, corrector.lastLogs, 1)
	assert.Equal(t, "build", corrector.lastLogs[0].Name)

	require.Len(t, ci.commits, 1)
	assert.Equal(t,
		"fix: Auto-correct CI errors (iteration 1)\n\nError analysis: undefined symbol\nChanges: imported Cart",
		ci.commits[0].message)
	assert.Equal(t, "corrected code", ci.commits[0].content)
}

func TestLoop_Run_Exhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxIterations = 2

	ci := &mockCI{states: []github.CIState{github.CIFailure}, logs: failingLogs()}
	corrector := &mockCorrector{correction: &reasoning.Correction{CorrectedCode: "attempt"}}
	emitter := &mockEmitter{}

	loop := newTestLoop(ci, corrector, emitter, cfg)
	res := loop.Run(context.Background())

	require.False(t, res.Success)
	assert.Equal(t, ReasonExhausted, res.Reason)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, "timeout", res.FinalStatus)
	assert.Equal(t, "Maximum iterations (2) reached without CI success", res.ErrorMessage)
	assert.Equal(t, failingLogs(), res.ErrorLogs)
	assert.Equal(t, "attempt", res.CorrectedCode)

	assert.Equal(t, 2, corrector.calls)
	require.Len(t, ci.commits, 2)
	assert.Contains(t, ci.commits[1].message, "(iteration 2)")
	assert.True(t, emitter.has(events.VerificationExhausted))
}

func TestLoop_Run_PendingAfterTimeoutConsumesIteration(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxIterations = 2
	cfg.PollTimeout = 5 * time.Millisecond

	ci := &mockCI{} // never settles
	corrector := &mockCorrector{}

	loop := newTestLoop(ci, corrector, &mockEmitter{}, cfg)
	res := loop.Run(context.Background())

	require.False(t, res.Success)
	assert.Equal(t, ReasonExhausted, res.Reason)
	assert.Equal(t, 2, res.Iterations)
	assert.Zero(t, corrector.calls, "a stuck CI never triggers correction")
	assert.Empty(t, ci.commits)
}

func TestLoop_Run_EmptyCorrectionKeepsCurrent(t *testing.T) {
	ci := &mockCI{
		states: []github.CIState{github.CIFailure, github.CISuccess},
		logs:   failingLogs(),
	}
	corrector := &mockCorrector{correction: &reasoning.Correction{ErrorAnalysis: "unclear"}}

	loop := newTestLoop(ci, corrector, &mockEmitter{}, fastConfig())
	res := loop.Run(context.Background())

	require.True(t, res.Success)
	assert.Equal(t, "original code", res.CorrectedCode)

	require.Len(t, ci.commits, 1, "the unchanged code is still recommitted")
	assert.Equal(t, "original code", ci.commits[0].content)
	assert.Contains(t, ci.commits[0].message, "Changes: N/A")
}

func TestLoop_Run_CommitFailureDegradesIteration(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxIterations = 2

	ci := &mockCI{
		states:    []github.CIState{github.CIFailure},
		logs:      failingLogs(),
		commitErr: errors.New("409 conflict"),
	}
	corrector := &mockCorrector{correction: &reasoning.Correction{CorrectedCode: "attempt"}}

	loop := newTestLoop(ci, corrector, &mockEmitter{}, cfg)
	res := loop.Run(context.Background())

	require.False(t, res.Success)
	assert.Equal(t, ReasonExhausted, res.Reason)
	assert.Equal(t, "original code", res.CorrectedCode, "the remote never advanced")
	assert.Equal(t, 2, corrector.calls)
	assert.Empty(t, ci.commits)
}

func TestLoop_Run_PollErrorsAreAbsorbed(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxIterations = 1
	cfg.PollTimeout = 5 * time.Millisecond

	ci := &mockCI{statusErr: errors.New("502 bad gateway")}

	loop := newTestLoop(ci, &mockCorrector{}, &mockEmitter{}, cfg)
	res := loop.Run(context.Background())

	require.False(t, res.Success)
	assert.Equal(t, ReasonExhausted, res.Reason)
	assert.Equal(t, 1, res.Iterations)
	assert.Positive(t, ci.polls, "polling kept retrying through errors")
}

func TestLoop_Run_Cancelled(t *testing.T) {
	ci := &mockCI{} // pending forever
	emitter := &mockEmitter{}

	cfg := fastConfig()
	cfg.PollTimeout = 10 * time.Second

	loop := newTestLoop(ci, &mockCorrector{}, emitter, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan *Result, 1)
	go func() { resultCh <- loop.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case res := <-resultCh:
		require.False(t, res.Success)
		assert.Equal(t, ReasonCancelled, res.Reason)
		assert.Equal(t, "cancelled", res.FinalStatus)
		assert.True(t, emitter.has(events.VerificationCancelled),
			"the terminal event still publishes after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, defaultMaxIterations, cfg.MaxIterations)
	assert.Equal(t, time.Duration(defaultPollTimeoutSeconds)*time.Second, cfg.PollTimeout)
	assert.Equal(t, defaultPollInterval, cfg.PollInterval)
	assert.Equal(t, defaultSettleDelay, cfg.SettleDelay)

	custom := Config{MaxIterations: 1, PollInterval: time.Second}.withDefaults()
	assert.Equal(t, 1, custom.MaxIterations)
	assert.Equal(t, time.Second, custom.PollInterval)
	assert.Equal(t, defaultSettleDelay, custom.SettleDelay)
}

func TestCorrectionMessage(t *testing.T) {
	full := correctionMessage(2, &reasoning.Correction{
		ErrorAnalysis: "missing import",
		ChangesMade:   "added import",
	})
	assert.Equal(t,
		"fix: Auto-correct CI errors (iteration 2)\n\nError analysis: missing import\nChanges: added import",
		full)

	sparse := correctionMessage(1, &reasoning.Correction{})
	assert.Equal(t,
		"fix: Auto-correct CI errors (iteration 1)\n\nError analysis: N/A\nChanges: N/A",
		sparse)
}
