package reasoning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient implements ProviderClient for Anthropic. It serves
// as the fallback provider; image attachments are supported but video
// is not and is rejected with ErrUnsupportedMedia.
type AnthropicClient struct {
	apiKey     string
	httpClient *http.Client
	config     ClientConfig
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, cfg ClientConfig) *AnthropicClient {
	return &AnthropicClient{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		config: cfg,
	}
}

// Provider implements ProviderClient.
func (c *AnthropicClient) Provider() Provider {
	return ProviderAnthropic
}

// IsAvailable implements ProviderClient.
func (c *AnthropicClient) IsAvailable() bool {
	return c.apiKey != ""
}

// anthropicRequest is the request body for Anthropic API.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

// anthropicMessage is a message in the Anthropic API.
type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is one content block, either text or an image.
type anthropicBlock struct {
	Type   string                `json:"type"`
	Text   string                `json:"text,omitempty"`
	Source *anthropicMediaSource `json:"source,omitempty"`
}

// anthropicMediaSource carries base64 image data.
type anthropicMediaSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// anthropicResponse is the response body from Anthropic API.
type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentPart  `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsageAccounted `json:"usage"`
}

// anthropicContentPart is content in the Anthropic response.
type anthropicContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicUsageAccounted is usage information from Anthropic.
type anthropicUsageAccounted struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// anthropicError is an error response from Anthropic.
type anthropicError struct {
	Type  string               `json:"type"`
	Error anthropicErrorDetail `json:"error"`
}

// anthropicErrorDetail contains error details.
type anthropicErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Complete implements ProviderClient.
func (c *AnthropicClient) Complete(
	ctx context.Context,
	req *CompletionRequest,
) (*CompletionResponse, error) {
	start := time.Now()

	model := string(req.Model)
	if model == "" || req.Model == ModelGeminiPro || req.Model == ModelGeminiFlash {
		model = string(ModelClaudeSonnet)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxOutputTokens
	}

	blocks := make([]anthropicBlock, 0, 1+len(req.Attachments))
	blocks = append(blocks, anthropicBlock{Type: "text", Text: req.Prompt})
	for _, attachment := range req.Attachments {
		if attachment.IsVideo() {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, attachment.MIMEType)
		}
		blocks = append(blocks, anthropicBlock{
			Type: "image",
			Source: &anthropicMediaSource{
				Type:      "base64",
				MediaType: attachment.MIMEType,
				Data:      base64.StdEncoding.EncodeToString(attachment.Data),
			},
		})
	}

	anthropicReq := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Messages: []anthropicMessage{
			{
				Role:    "user",
				Content: blocks,
			},
		},
	}

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		anthropicAPIURL,
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	var anthropicResp anthropicResponse
	if unmarshalErr := json.Unmarshal(respBody, &anthropicResp); unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal response: %w", unmarshalErr)
	}

	var content string
	for _, part := range anthropicResp.Content {
		if part.Type == "text" {
			content = part.Text
			break
		}
	}

	usage := Usage{
		InputTokens:      anthropicResp.Usage.InputTokens,
		OutputTokens:     anthropicResp.Usage.OutputTokens,
		TotalTokens:      anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		CacheReadTokens:  anthropicResp.Usage.CacheReadInputTokens,
		CacheWriteTokens: anthropicResp.Usage.CacheCreationInputTokens,
	}
	usage.CostUSD = estimateCost(ProviderAnthropic, usage)

	latencyMS := time.Since(start).Milliseconds()

	return &CompletionResponse{
		Content:    content,
		Usage:      usage,
		StopReason: anthropicResp.StopReason,
		RequestID:  anthropicResp.ID,
		LatencyMS:  latencyMS,
	}, nil
}

// handleErrorResponse handles Anthropic API errors.
func (c *AnthropicClient) handleErrorResponse(statusCode int, body []byte) error {
	var errResp anthropicError
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("API error (status %d): %s", statusCode, string(body))
	}

	errType := errResp.Error.Type
	errMsg := errResp.Error.Message

	switch statusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, errMsg)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, errMsg)
	case http.StatusBadRequest:
		if errType == "invalid_request_error" && containsContextLengthError(errMsg) {
			return fmt.Errorf("%w: %s", ErrContextTooLong, errMsg)
		}
		return fmt.Errorf("bad request: %s", errMsg)
	case http.StatusUnauthorized:
		return fmt.Errorf("authentication failed: %s", errMsg)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return fmt.Errorf("server error: %s", errMsg)
	default:
		return fmt.Errorf("API error (status %d): %s", statusCode, errMsg)
	}
}

// containsContextLengthError checks if an error message indicates context length issues.
func containsContextLengthError(msg string) bool {
	lowered := strings.ToLower(msg)
	keywords := []string{
		"context_length",
		"too many tokens",
		"maximum context length",
		"token limit",
	}
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
