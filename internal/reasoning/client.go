package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pitabwire/util"
)

// Common errors.
var (
	ErrNoAPIKey           = errors.New("no API key configured")
	ErrRateLimited        = errors.New("rate limited")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrContextTooLong     = errors.New("context too long")
	ErrUnsupportedMedia   = errors.New("unsupported media type")
	ErrInvalidResponse    = errors.New("invalid response from model")
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// ProviderClient is the interface for a single reasoning provider.
type ProviderClient interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Provider returns the provider identifier.
	Provider() Provider

	// IsAvailable returns true if the provider is configured.
	IsAvailable() bool
}

// CompletionRequest is a request to a reasoning provider. Attachments
// carry screenshots or video evidence next to the textual prompt.
type CompletionRequest struct {
	Model       Model
	Prompt      string
	Attachments []Attachment
	MaxTokens   int
	Temperature float64
	Function    Function
}

// CompletionResponse is a response from a reasoning provider.
type CompletionResponse struct {
	Content    string
	Usage      Usage
	StopReason string
	RequestID  string
	LatencyMS  int64
}

// MultiProviderClient fans a request over configured providers in
// order until one succeeds.
type MultiProviderClient struct {
	providers  []ProviderClient
	config     ClientConfig
	totalUsage Usage
}

// NewMultiProviderClient creates a new multi-provider client. Google
// is first because it is the only provider that accepts video media.
func NewMultiProviderClient(cfg ClientConfig) (*MultiProviderClient, error) {
	if cfg.MaxRetries == 0 {
		// A zero retry budget would skip the attempt loop entirely.
		cfg.MaxRetries = defaultMaxRetries
	}

	const numProviders = 2
	providers := make([]ProviderClient, 0, numProviders)

	if cfg.GoogleAPIKey != "" {
		providers = append(providers, NewGoogleClient(cfg.GoogleAPIKey, cfg))
	}

	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, NewAnthropicClient(cfg.AnthropicAPIKey, cfg))
	}

	if len(providers) == 0 {
		return nil, ErrNoAPIKey
	}

	return &MultiProviderClient{
		providers: providers,
		config:    cfg,
	}, nil
}

// GetUsage returns cumulative usage statistics.
func (c *MultiProviderClient) GetUsage() Usage {
	return c.totalUsage
}

// completeWithFallback tries each provider in order until one succeeds
// and reports which provider served the request.
func (c *MultiProviderClient) completeWithFallback(
	ctx context.Context,
	req *CompletionRequest,
) (*CompletionResponse, Provider, error) {
	log := util.Log(ctx)
	var lastErr error

	for _, provider := range c.providers {
		if !provider.IsAvailable() {
			continue
		}

		log.Debug("trying provider",
			"provider", provider.Provider(),
			"function", req.Function,
		)

		resp, err := c.completeWithRetry(ctx, provider, req)
		if err == nil {
			c.totalUsage.InputTokens += resp.Usage.InputTokens
			c.totalUsage.OutputTokens += resp.Usage.OutputTokens
			c.totalUsage.TotalTokens += resp.Usage.TotalTokens
			c.totalUsage.CostUSD += resp.Usage.CostUSD

			return resp, provider.Provider(), nil
		}

		log.WithError(err).Warn("provider failed, trying next",
			"provider", provider.Provider(),
		)
		lastErr = err

		// An over-long context fails everywhere, so don't fan out.
		if errors.Is(err, ErrContextTooLong) {
			return nil, provider.Provider(), err
		}
	}

	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
	}
	return nil, "", ErrAllProvidersFailed
}

// completeWithRetry retries a single provider request with backoff.
func (c *MultiProviderClient) completeWithRetry(
	ctx context.Context,
	provider ProviderClient,
	req *CompletionRequest,
) (*CompletionResponse, error) {
	log := util.Log(ctx)
	var lastErr error

	for attempt := range c.config.MaxRetries {
		resp, err := provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		// Don't retry errors a further attempt cannot change.
		if errors.Is(err, ErrContextTooLong) ||
			errors.Is(err, ErrQuotaExceeded) ||
			errors.Is(err, ErrUnsupportedMedia) {
			return nil, err
		}

		// Exponential backoff
		backoff := time.Duration(1<<attempt) * time.Second
		log.Debug("retrying after error",
			"provider", provider.Provider(),
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

// estimateCost estimates the cost of a request in USD.
func estimateCost(provider Provider, usage Usage) float64 {
	// Pricing per 1M tokens.
	var inputPrice, outputPrice float64

	switch provider {
	case ProviderAnthropic:
		inputPrice, outputPrice = 3.0, 15.0
	case ProviderGoogle:
		inputPrice, outputPrice = 1.25, 10.0
	}

	const tokensPerMillion = 1_000_000.0
	inputCost := float64(usage.InputTokens) / tokensPerMillion * inputPrice
	outputCost := float64(usage.OutputTokens) / tokensPerMillion * outputPrice

	return inputCost + outputCost
}
