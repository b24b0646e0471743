package reasoning

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/util"
)

// Scouting limits. Only the first hundred paths reach the prompt, and
// the ranked result is capped so context fetching stays bounded.
const (
	maxScoutPaths   = 100
	maxScoutResults = 10
)

// Gateway exposes the reasoning capabilities the fix pipeline and
// verification loop consume. Construct one per job so API credentials
// never outlive the request that presented them.
type Gateway struct {
	client        *MultiProviderClient
	promptBuilder *PromptBuilder
	config        ClientConfig
}

// NewGateway creates a new reasoning gateway.
func NewGateway(cfg ClientConfig) (*Gateway, error) {
	client, err := NewMultiProviderClient(cfg)
	if err != nil {
		return nil, err
	}

	pb, err := NewPromptBuilder()
	if err != nil {
		return nil, fmt.Errorf("create prompt builder: %w", err)
	}

	return &Gateway{
		client:        client,
		promptBuilder: pb,
		config:        cfg,
	}, nil
}

// RankRelevantFiles asks the model which of the given paths matter for
// the described bug and returns at most ten of them. Callers fall back
// to their own heuristics when this errors.
func (g *Gateway) RankRelevantFiles(
	ctx context.Context,
	paths []string,
	description string,
) ([]string, error) {
	log := util.Log(ctx)

	scoutPaths := paths
	if len(scoutPaths) > maxScoutPaths {
		scoutPaths = scoutPaths[:maxScoutPaths]
	}

	prompt, err := g.promptBuilder.Build(FunctionScoutFiles, ScoutFilesInput{
		Paths:       scoutPaths,
		Description: description,
	})
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	req := &CompletionRequest{
		Model:       ModelGeminiFlash,
		Prompt:      prompt,
		MaxTokens:   g.config.MaxOutputTokens,
		Temperature: g.config.Temperature,
		Function:    FunctionScoutFiles,
	}

	resp, provider, err := g.client.completeWithFallback(ctx, req)
	if err != nil {
		log.WithError(err).Error("scout files failed")
		return nil, err
	}

	var result scoutResponse
	outcome, parseErr := DecodeStructured(resp.Content, &result)
	if parseErr != nil {
		log.WithError(parseErr).Error("failed to parse scout response")
		return nil, parseErr
	}

	ranked := result.RelevantFiles
	if len(ranked) > maxScoutResults {
		ranked = ranked[:maxScoutResults]
	}

	log.Debug("scout ranked files",
		"provider", provider,
		"offered", len(scoutPaths),
		"selected", len(ranked),
		"outcome", outcome,
	)
	return ranked, nil
}

// ProposeFix analyzes code context against screenshot evidence and
// returns the structured fix proposal.
func (g *Gateway) ProposeFix(
	ctx context.Context,
	files []SourceFile,
	description string,
	media []Attachment,
) (*AnalysisResult, *Invocation, error) {
	log := util.Log(ctx)

	prompt, err := g.promptBuilder.Build(FunctionAnalyzeVisual, AnalyzeVisualInput{
		Files:       files,
		Description: description,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build prompt: %w", err)
	}

	req := &CompletionRequest{
		Model:       g.config.DefaultModel,
		Prompt:      prompt,
		Attachments: media,
		MaxTokens:   g.config.MaxOutputTokens,
		Temperature: g.config.Temperature,
		Function:    FunctionAnalyzeVisual,
	}

	resp, provider, err := g.client.completeWithFallback(ctx, req)
	if err != nil {
		log.WithError(err).Error("visual analysis failed")
		return nil, nil, err
	}

	var result AnalysisResult
	outcome, parseErr := DecodeStructured(resp.Content, &result)
	if parseErr != nil {
		log.WithError(parseErr).Error("failed to parse analysis result")
		return nil, nil, parseErr
	}

	// Contract defaults for fields the model omitted.
	if result.Analysis == "" {
		result.Analysis = "Unknown"
	}
	if result.Severity == "" {
		result.Severity = SeverityUnknown
	}

	invocation := g.buildInvocation(resp, provider, FunctionAnalyzeVisual, outcome)
	return &result, invocation, nil
}

// ProposeFixFromVideo analyzes code context against a screen recording
// instead of still screenshots. Only video-capable providers can serve
// this request.
func (g *Gateway) ProposeFixFromVideo(
	ctx context.Context,
	files []SourceFile,
	description string,
	video Attachment,
) (*AnalysisResult, *Invocation, error) {
	if !video.IsVideo() {
		return nil, nil, fmt.Errorf("%w: expected video, got %s", ErrUnsupportedMedia, video.MIMEType)
	}
	return g.ProposeFix(ctx, files, description, []Attachment{video})
}

// ProposeCorrection feeds failing CI diagnostics and the current code
// back to the model and returns the corrected version.
func (g *Gateway) ProposeCorrection(
	ctx context.Context,
	code string,
	logs []CheckFailure,
	filePath string,
) (*Correction, *Invocation, error) {
	log := util.Log(ctx)

	prompt, err := g.promptBuilder.Build(FunctionSelfCorrect, SelfCorrectInput{
		FilePath: filePath,
		Code:     code,
		Logs:     logs,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build prompt: %w", err)
	}

	req := &CompletionRequest{
		Model:       g.config.DefaultModel,
		Prompt:      prompt,
		MaxTokens:   g.config.MaxOutputTokens,
		Temperature: g.config.Temperature,
		Function:    FunctionSelfCorrect,
	}

	resp, provider, err := g.client.completeWithFallback(ctx, req)
	if err != nil {
		log.WithError(err).Error("self correction failed")
		return nil, nil, err
	}

	var result Correction
	outcome, parseErr := DecodeStructured(resp.Content, &result)
	if parseErr != nil {
		log.WithError(parseErr).Error("failed to parse correction")
		return nil, nil, parseErr
	}

	if result.ErrorAnalysis == "" {
		result.ErrorAnalysis = "Unknown error"
	}

	invocation := g.buildInvocation(resp, provider, FunctionSelfCorrect, outcome)
	return &result, invocation, nil
}

// GetUsage returns cumulative usage statistics across all calls.
func (g *Gateway) GetUsage() Usage {
	return g.client.GetUsage()
}

// buildInvocation creates an Invocation from a response.
func (g *Gateway) buildInvocation(
	resp *CompletionResponse,
	provider Provider,
	fn Function,
	outcome ParseOutcome,
) *Invocation {
	return &Invocation{
		Provider:    provider,
		Model:       g.config.DefaultModel,
		Function:    fn,
		Usage:       resp.Usage,
		LatencyMS:   resp.LatencyMS,
		StopReason:  resp.StopReason,
		Outcome:     outcome,
		CompletedAt: time.Now(),
	}
}
