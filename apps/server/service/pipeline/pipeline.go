// Package pipeline turns visual bug evidence into a committed pull request.
//
// One Run is a single pass: validate evidence, optionally capture a live
// URL, scout the repository for relevant source, ask the reasoning gateway
// for a fix, then branch, commit, and open the PR. Every failing step maps
// to a distinct ErrorKind and short-circuits the rest; "no bug found" is a
// successful terminal, not an error.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/vibefix/internal/capture"
	"github.com/antinvestor/vibefix/internal/events"
	"github.com/antinvestor/vibefix/internal/gateways/github"
	"github.com/antinvestor/vibefix/internal/reasoning"
	"github.com/antinvestor/vibefix/internal/retry"
)

// baseCandidates is the ordered base-ref fallback for branch and PR
// creation.
//
//nolint:gochecknoglobals // ordered candidate list shared by branch and PR steps
var baseCandidates = []string{"main", "master"}

const (
	commitSubjectLimit = 50
	prTitleLimit       = 60
)

// RepoGateway is the repository capability surface the pipeline consumes.
type RepoGateway interface {
	ListTree(ctx context.Context, ref github.RepoRef) ([]github.TreeEntry, error)
	GetFile(ctx context.Context, ref github.RepoRef, path string) ([]byte, error)
	CheckWriteAccess(ctx context.Context, ref github.RepoRef) (bool, error)
	CreateBranch(ctx context.Context, ref github.RepoRef, base, name string) error
	CommitFile(ctx context.Context, ref github.RepoRef, branch, path, message string, content []byte) (string, error)
	OpenPullRequest(ctx context.Context, ref github.RepoRef, title, body, head, base string) (*github.PullRequestRef, error)
}

// Reasoner is the reasoning capability surface the pipeline consumes.
type Reasoner interface {
	RankRelevantFiles(ctx context.Context, paths []string, description string) ([]string, error)
	ProposeFix(ctx context.Context, files []reasoning.SourceFile, description string, media []reasoning.Attachment) (*reasoning.AnalysisResult, *reasoning.Invocation, error)
	ProposeFixFromVideo(ctx context.Context, files []reasoning.SourceFile, description string, video reasoning.Attachment) (*reasoning.AnalysisResult, *reasoning.Invocation, error)
}

// Capturer screenshots a live URL.
type Capturer interface {
	Capture(ctx context.Context, url string) ([]capture.Artifact, error)
}

// Emitter publishes lifecycle events.
type Emitter interface {
	EmitWithType(ctx context.Context, eventType events.EventType, payload any) error
}

// Job carries one fix request through the pipeline. It is ephemeral: built
// at request entry, discarded after the outcome is returned.
type Job struct {
	ID          events.JobID
	Repo        github.RepoRef
	CaptureURL  string
	Images      []reasoning.Attachment
	Video       *reasoning.Attachment
	Description string
}

func (j *Job) hasVisualInput() bool {
	return j.CaptureURL != "" || len(j.Images) > 0 || j.Video != nil
}

// Pipeline orchestrates one fix pass. Construct one per request; gateways
// carry per-request credentials and must not be shared across callers.
type Pipeline struct {
	repo     RepoGateway
	reasoner Reasoner
	capturer Capturer
	emitter  Emitter
}

// New creates a pipeline over the given gateways. capturer may be nil when
// URL capture is not configured; a job with a capture URL then degrades to
// its uploaded media.
func New(repo RepoGateway, reasoner Reasoner, capturer Capturer, emitter Emitter) *Pipeline {
	return &Pipeline{
		repo:     repo,
		reasoner: reasoner,
		capturer: capturer,
		emitter:  emitter,
	}
}

// Run drives one fix job to a terminal outcome. It never panics past its
// boundary; every abort is a Failed outcome with a user-actionable detail.
func (p *Pipeline) Run(ctx context.Context, job *Job) *Outcome {
	log := util.Log(ctx)

	// Evidence is validated before any gateway is contacted.
	if !job.hasVisualInput() {
		return failedOutcome(ErrorKindInvalidInput,
			"At least one visual input required: video, images, or capture URL")
	}

	p.emit(ctx, events.PipelineStarted, &events.PipelineStartedPayload{
		JobID:     job.ID,
		Repo:      job.Repo.String(),
		StartedAt: time.Now(),
	})

	media, captured := p.captureEvidence(ctx, job)

	tree, err := p.repo.ListTree(ctx, job.Repo)
	if err != nil {
		return p.fail(ctx, job, ErrorKindRepoAccess,
			fmt.Sprintf("Failed to fetch repository: %v. Ensure the repo exists and is accessible.", err))
	}

	if ok, accessErr := p.repo.CheckWriteAccess(ctx, job.Repo); accessErr != nil {
		// An error while checking soft-fails open; only an explicit
		// negative result blocks the run.
		log.WithError(accessErr).Warn("could not verify write access", "repo", job.Repo.String())
	} else if !ok {
		return p.fail(ctx, job, ErrorKindRepoAccess,
			"GitHub token does not have write access to this repository. Use a token with repo scope, or fork the repository and run against the fork.")
	}

	relevant, scoutDegraded := p.scoutFiles(ctx, blobPaths(tree), job.Description)

	codeCtx := p.fetchContext(ctx, job.Repo, relevant)
	p.emit(ctx, events.ContextBuilt, &events.ContextBuiltPayload{
		JobID:         job.ID,
		FilesScouted:  len(relevant),
		FilesResolved: codeCtx.Len(),
		TotalBytes:    codeCtx.Size(),
		ScoutDegraded: scoutDegraded,
	})
	if codeCtx.Empty() {
		return p.fail(ctx, job, ErrorKindNoContext,
			"Could not fetch any relevant code files from the repository")
	}

	analysis, err := p.analyze(ctx, job, codeCtx, media)
	if err != nil {
		return p.fail(ctx, job, ErrorKindReasoningFailure,
			fmt.Sprintf("AI analysis failed: %v", err))
	}

	if !analysis.HasFix() {
		p.emit(ctx, events.NoFixFound, &events.NoFixFoundPayload{
			JobID:     job.ID,
			Narrative: analysis.Analysis,
			Severity:  string(analysis.Severity),
		})
		outcome := noFixOutcome(analysis)
		outcome.ScreenshotsCaptured = captured
		return outcome
	}

	outcome := p.deliver(ctx, job, analysis)
	outcome.ScreenshotsCaptured = captured
	return outcome
}

// captureEvidence screenshots the capture URL, if any, and merges the
// artifacts ahead of uploaded media. A capture failure is absorbed: the run
// continues on uploads alone and the outcome reports no captured paths.
func (p *Pipeline) captureEvidence(ctx context.Context, job *Job) ([]reasoning.Attachment, []string) {
	log := util.Log(ctx)

	media := make([]reasoning.Attachment, 0, len(job.Images)+2)
	var captured []string

	if job.CaptureURL != "" {
		switch {
		case p.capturer == nil:
			log.Warn("no capture gateway configured, skipping url capture", "url", job.CaptureURL)
		default:
			startTime := time.Now()
			artifacts, err := p.capturer.Capture(ctx, job.CaptureURL)
			if err != nil {
				log.WithError(err).Warn("url capture skipped", "url", job.CaptureURL)
				p.emit(ctx, events.ScreenshotsCaptured, &events.ScreenshotsCapturedPayload{
					JobID:      job.ID,
					SourceURL:  job.CaptureURL,
					Degraded:   true,
					DurationMS: time.Since(startTime).Milliseconds(),
				})
				break
			}

			captured = make([]string, 0, len(artifacts))
			for _, artifact := range artifacts {
				captured = append(captured, artifact.Path)
				media = append(media, reasoning.Attachment{
					MIMEType: artifact.MIMEType,
					Data:     artifact.Data,
				})
			}
			p.emit(ctx, events.ScreenshotsCaptured, &events.ScreenshotsCapturedPayload{
				JobID:      job.ID,
				SourceURL:  job.CaptureURL,
				Count:      len(artifacts),
				DurationMS: time.Since(startTime).Milliseconds(),
			})
		}
	}

	media = append(media, job.Images...)
	return media, captured
}

// fetchContext resolves scouted paths to content. Unreadable files are
// skipped rather than failing the run; the caller decides whether an empty
// context is fatal.
func (p *Pipeline) fetchContext(ctx context.Context, ref github.RepoRef, paths []string) *CodeContext {
	log := util.Log(ctx)

	codeCtx := NewCodeContext()
	for _, path := range paths {
		content, err := p.repo.GetFile(ctx, ref, path)
		if err != nil {
			log.WithError(err).Debug("skipping unreadable file", "path", path)
			continue
		}
		codeCtx.Add(path, string(content))
	}
	return codeCtx
}

// analyze routes to the video-aware entry point when the job carries a
// video, otherwise to image/text analysis.
func (p *Pipeline) analyze(
	ctx context.Context,
	job *Job,
	codeCtx *CodeContext,
	media []reasoning.Attachment,
) (*reasoning.AnalysisResult, error) {
	var (
		result     *reasoning.AnalysisResult
		invocation *reasoning.Invocation
		err        error
	)

	if job.Video != nil {
		result, invocation, err = p.reasoner.ProposeFixFromVideo(ctx, codeCtx.Files(), job.Description, *job.Video)
	} else {
		result, invocation, err = p.reasoner.ProposeFix(ctx, codeCtx.Files(), job.Description, media)
	}
	if err != nil {
		return nil, err
	}

	payload := &events.AnalysisCompletedPayload{
		JobID:    job.ID,
		Severity: string(result.Severity),
		HasFix:   result.HasFix(),
	}
	if invocation != nil {
		payload.Provider = string(invocation.Provider)
		payload.LatencyMS = invocation.LatencyMS
	}
	p.emit(ctx, events.AnalysisCompleted, payload)

	return result, nil
}

// deliver creates the fix branch, commits the change, and opens the pull
// request. Branch and PR base fall back from main to master; a typed
// permission error stops the branch fallback immediately.
func (p *Pipeline) deliver(ctx context.Context, job *Job, analysis *reasoning.AnalysisResult) *Outcome {
	branch := events.NewDerivedIdentifiers(job.ID, job.Repo.String()).BranchName()

	_, base, err := retry.First(ctx, "create branch", baseCandidates, github.IsPermission,
		func(ctx context.Context, base string) (struct{}, error) {
			return struct{}{}, p.repo.CreateBranch(ctx, job.Repo, base, branch)
		})
	if err != nil {
		if github.IsPermission(err) {
			return p.fail(ctx, job, ErrorKindPermissionDenied,
				"GitHub token does not have write access to this repository. Use a personal access token with repo scope and push rights, or fork the repository and run against the fork.")
		}
		return p.fail(ctx, job, ErrorKindCommitFailure,
			fmt.Sprintf("Failed to create branch: %v", err))
	}

	fix := analysis.Fix
	commitSHA, err := p.repo.CommitFile(ctx, job.Repo, branch, fix.FilePath,
		commitMessage(analysis.Analysis), []byte(fix.Code))
	if err != nil {
		outcome := p.fail(ctx, job, ErrorKindCommitFailure,
			fmt.Sprintf("Failed to commit changes: %v", err))
		outcome.Branch = branch
		return outcome
	}

	p.emit(ctx, events.FixCommitted, &events.FixCommittedPayload{
		JobID:     job.ID,
		Branch:    branch,
		BaseRef:   base,
		FilePath:  fix.FilePath,
		CommitSHA: commitSHA,
	})

	pr, _, err := retry.First(ctx, "open pull request", baseCandidates, nil,
		func(ctx context.Context, base string) (*github.PullRequestRef, error) {
			return p.repo.OpenPullRequest(ctx, job.Repo,
				prTitle(analysis.Analysis), prBody(analysis), branch, base)
		})
	if err != nil {
		outcome := p.fail(ctx, job, ErrorKindPRFailure,
			fmt.Sprintf("Failed to create pull request: %v", err))
		outcome.Branch = branch
		return outcome
	}

	p.emit(ctx, events.PullRequestOpened, &events.PullRequestOpenedPayload{
		JobID:      job.ID,
		PRNumber:   pr.Number,
		PRURL:      pr.URL,
		HeadBranch: pr.HeadBranch,
		BaseBranch: pr.BaseBranch,
	})

	return committedOutcome(pr, analysis)
}

// fail emits the failure event and builds the Failed outcome.
func (p *Pipeline) fail(ctx context.Context, job *Job, kind ErrorKind, detail string) *Outcome {
	p.emit(ctx, events.PipelineFailed, &events.PipelineFailedPayload{
		JobID:    job.ID,
		Kind:     string(kind),
		Detail:   detail,
		FailedAt: time.Now(),
	})
	return failedOutcome(kind, detail)
}

// emit publishes a lifecycle event. Emission is telemetry: a publish
// failure is logged, never allowed to abort the run.
func (p *Pipeline) emit(ctx context.Context, eventType events.EventType, payload any) {
	if p.emitter == nil {
		return
	}
	if err := p.emitter.EmitWithType(ctx, eventType, payload); err != nil {
		util.Log(ctx).WithError(err).Warn("failed to emit event", "event", string(eventType))
	}
}

func blobPaths(tree []github.TreeEntry) []string {
	paths := make([]string, 0, len(tree))
	for _, entry := range tree {
		if entry.IsBlob() {
			paths = append(paths, entry.Path)
		}
	}
	return paths
}

func commitMessage(narrative string) string {
	return "fix: " + truncate(orDefault(narrative, "Automated vibe fix"), commitSubjectLimit)
}

func prTitle(narrative string) string {
	return "Fix: " + truncate(orDefault(narrative, "Vibe fix"), prTitleLimit)
}

func prBody(analysis *reasoning.AnalysisResult) string {
	return fmt.Sprintf(
		"## Automated Vibe Fix\n\n"+
			"**Issue:** %s\n\n"+
			"**Severity:** %s\n\n"+
			"**File Modified:** `%s`\n\n"+
			"---\n"+
			"*This PR was generated automatically by VibeFix from visual bug evidence.*",
		orDefault(analysis.Analysis, "N/A"),
		orDefault(string(analysis.Severity), "N/A"),
		analysis.Fix.FilePath,
	)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
