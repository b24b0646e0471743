// Package reasoning provides the generative analysis capabilities
// behind visual bug fixing: ranking repository files against a bug
// description, proposing a structured code fix from screenshots or
// video, and correcting a fix from CI failure logs.
package reasoning

import (
	"path"
	"strings"
	"time"
)

// Provider identifies a reasoning provider.
type Provider string

// Reasoning provider constants.
const (
	ProviderGoogle    Provider = "google"
	ProviderAnthropic Provider = "anthropic"
)

// Model identifies a reasoning model.
type Model string

// Model constants.
const (
	ModelGeminiPro    Model = "gemini-3-pro-preview"
	ModelGeminiFlash  Model = "gemini-2.0-flash"
	ModelClaudeSonnet Model = "claude-sonnet-4-20250514"
)

// Function identifies a reasoning capability.
type Function string

// Function constants.
const (
	FunctionScoutFiles    Function = "ScoutRelevantFiles"
	FunctionAnalyzeVisual Function = "AnalyzeVisualBug"
	FunctionSelfCorrect   Function = "SelfCorrectErrors"
)

// Severity grades how badly a visual bug breaks the interface.
type Severity string

// Severity constants as the analysis contract spells them.
const (
	SeverityHigh    Severity = "High"
	SeverityMedium  Severity = "Medium"
	SeverityLow     Severity = "Low"
	SeverityUnknown Severity = "Unknown"
)

// Fix is the concrete code change proposed for a visual bug.
type Fix struct {
	FilePath string `json:"file_path"`
	Code     string `json:"code"`
}

// IsActionable reports whether the fix names a file and carries code.
func (f *Fix) IsActionable() bool {
	return f != nil && f.FilePath != "" && f.Code != ""
}

// AnalysisResult is the structured outcome of a visual bug analysis.
type AnalysisResult struct {
	Analysis string   `json:"analysis"`
	Severity Severity `json:"severity"`
	Fix      *Fix     `json:"fix"`
}

// HasFix reports whether the analysis produced an actionable fix.
func (r *AnalysisResult) HasFix() bool {
	return r != nil && r.Fix.IsActionable()
}

// Correction is the structured outcome of a CI self-correction pass.
type Correction struct {
	ErrorAnalysis string `json:"error_analysis"`
	CorrectedCode string `json:"corrected_code"`
	ChangesMade   string `json:"changes_made"`
}

// scoutResponse is the structured outcome of a file scouting pass.
type scoutResponse struct {
	RelevantFiles []string `json:"relevant_files"`
	Reasoning     string   `json:"reasoning"`
}

// SourceFile is one repository file handed to the analysis prompt.
type SourceFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CheckFailure is one failed CI check handed to the correction prompt.
type CheckFailure struct {
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
	Title      string `json:"title,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// Attachment is binary media sent alongside a prompt.
type Attachment struct {
	MIMEType string
	Data     []byte
}

// IsVideo reports whether the attachment is a video.
func (a Attachment) IsVideo() bool {
	return strings.HasPrefix(a.MIMEType, "video/")
}

// MIMEFromPath resolves an attachment MIME type from a file extension,
// defaulting to PNG for unrecognized image material.
func MIMEFromPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	default:
		return "image/png"
	}
}

// Usage contains token usage statistics.
type Usage struct {
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Invocation records how one reasoning call was served.
type Invocation struct {
	Provider    Provider     `json:"provider"`
	Model       Model        `json:"model"`
	Function    Function     `json:"function"`
	Usage       Usage        `json:"usage"`
	LatencyMS   int64        `json:"latency_ms"`
	StopReason  string       `json:"stop_reason"`
	Outcome     ParseOutcome `json:"outcome"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Default configuration constants.
const (
	defaultTimeoutSeconds  = 120
	defaultMaxRetries      = 3
	defaultMaxOutputTokens = 16384
)

// ClientConfig contains reasoning client configuration.
type ClientConfig struct {
	// Provider settings
	GoogleAPIKey    string
	AnthropicAPIKey string

	// Defaults
	DefaultModel Model

	// Timeouts and retries
	TimeoutSeconds int
	MaxRetries     int

	// Token limits
	MaxOutputTokens int
	Temperature     float64
}

// DefaultClientConfig returns default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DefaultModel:    ModelGeminiPro,
		TimeoutSeconds:  defaultTimeoutSeconds,
		MaxRetries:      defaultMaxRetries,
		MaxOutputTokens: defaultMaxOutputTokens,
		Temperature:     0.0,
	}
}
