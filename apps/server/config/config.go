package config

import (
	"github.com/pitabwire/frame/config"
)

// ServerConfig defines configuration for the fix service.
// The server receives visual bug reports over HTTP, runs the fix
// pipeline synchronously, and supervises detached CI verification
// loops for the pull requests it opens.
type ServerConfig struct {
	config.ConfigurationDefault

	// ==========================================================================
	// GitHub
	// ==========================================================================

	// GitHubToken authenticates repository reads, commits, and pull requests.
	GitHubToken string `env:"GITHUB_TOKEN"`

	// GitHubAPIBaseURL overrides the API endpoint for GitHub Enterprise.
	GitHubAPIBaseURL string `envDefault:"https://api.github.com" env:"GITHUB_API_BASE_URL"`

	// GitHubTimeoutSeconds is the timeout for a single GitHub API call.
	GitHubTimeoutSeconds int `envDefault:"30" env:"GITHUB_TIMEOUT_SECONDS"`

	// ==========================================================================
	// Reasoning Provider Configuration
	// ==========================================================================

	// GeminiAPIKey is the API key for Google Gemini.
	GeminiAPIKey string `env:"GEMINI_API_KEY"`

	// AnthropicAPIKey is the API key for Anthropic Claude.
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`

	// ReasoningTimeoutSeconds is the timeout for reasoning requests.
	ReasoningTimeoutSeconds int `envDefault:"120" env:"REASONING_TIMEOUT_SECONDS"`

	// ReasoningMaxRetries is the maximum retries per reasoning request.
	ReasoningMaxRetries int `envDefault:"3" env:"REASONING_MAX_RETRIES"`

	// ==========================================================================
	// Screenshot Capture
	// ==========================================================================

	// CaptureBrowserImage is the headless browser image run per screenshot.
	CaptureBrowserImage string `env:"CAPTURE_BROWSER_IMAGE"`

	// CaptureOutputPath is the host directory screenshot files land in.
	CaptureOutputPath string `env:"CAPTURE_OUTPUT_PATH"`

	// CaptureTimeoutSeconds bounds each browser container run.
	CaptureTimeoutSeconds int `envDefault:"60" env:"CAPTURE_TIMEOUT_SECONDS"`

	// ==========================================================================
	// Queue Configuration
	// ==========================================================================

	// Lifecycle events queue (internal)
	QueueJobEventsName string `envDefault:"vibefix.job.events" env:"QUEUE_JOB_EVENTS_NAME"`
	QueueJobEventsURI  string `envDefault:"mem://vibefix.job.events" env:"QUEUE_JOB_EVENTS_URI"`

	// Job results queue (outgoing to external consumers)
	QueueJobResultsName string `envDefault:"vibefix.job.results" env:"QUEUE_JOB_RESULTS_NAME"`
	QueueJobResultsURI  string `envDefault:"mem://vibefix.job.results" env:"QUEUE_JOB_RESULTS_URI"`

	// ==========================================================================
	// Verification Loop
	// ==========================================================================

	// VerifyMaxIterations is the correction budget per loop.
	VerifyMaxIterations int `envDefault:"3" env:"VERIFY_MAX_ITERATIONS"`

	// VerifyPollTimeoutSeconds is the CI poll budget per iteration.
	VerifyPollTimeoutSeconds int `envDefault:"300" env:"VERIFY_POLL_TIMEOUT_SECONDS"`

	// VerifyPollIntervalSeconds is the delay between CI status polls.
	VerifyPollIntervalSeconds int `envDefault:"15" env:"VERIFY_POLL_INTERVAL_SECONDS"`

	// VerifySettleDelaySeconds is the pause after a recommit before
	// the next iteration polls, so CI has a chance to pick it up.
	VerifySettleDelaySeconds int `envDefault:"5" env:"VERIFY_SETTLE_DELAY_SECONDS"`

	// ==========================================================================
	// Coordination Backend
	// ==========================================================================

	// LockBackend selects the lock manager: memory or redis.
	LockBackend string `envDefault:"memory" env:"LOCK_BACKEND"`

	// RedisURL is the Redis connection string when LockBackend is redis.
	RedisURL string `env:"REDIS_URL"`

	// ==========================================================================
	// Rate Limiting
	// ==========================================================================

	// RateLimitSubmitPerHour limits fix submissions per hour per client.
	RateLimitSubmitPerHour int `envDefault:"5" env:"RATE_LIMIT_SUBMIT_PER_HOUR"`

	// RateLimitSubmitBurst is the burst size for fix submissions.
	RateLimitSubmitBurst int `envDefault:"5" env:"RATE_LIMIT_SUBMIT_BURST"`

	// RateLimitRequestsPerMinute limits read requests per minute per client.
	RateLimitRequestsPerMinute int `envDefault:"60" env:"RATE_LIMIT_REQUESTS_PER_MINUTE"`

	// RateLimitBurstSize is the burst size for read requests.
	RateLimitBurstSize int `envDefault:"10" env:"RATE_LIMIT_BURST_SIZE"`

	// ==========================================================================
	// Request Validation
	// ==========================================================================

	// MaxUploadBytes is the maximum size of a single uploaded file.
	MaxUploadBytes int64 `envDefault:"26214400" env:"MAX_UPLOAD_BYTES"` // 25MB

	// MaxVisualInputs is the maximum number of evidence files per request.
	MaxVisualInputs int `envDefault:"8" env:"MAX_VISUAL_INPUTS"`
}
