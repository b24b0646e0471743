//nolint:testpackage // Testing internal functions requires same package
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMultiProviderClient_NoAPIKey(t *testing.T) {
	_, err := NewMultiProviderClient(ClientConfig{})
	if err == nil {
		t.Error("expected error when no API keys provided")
	}
	if !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestNewMultiProviderClient_GoogleFirst(t *testing.T) {
	client, err := NewMultiProviderClient(ClientConfig{
		GoogleAPIKey:    "test-key",
		AnthropicAPIKey: "test-key",
		DefaultModel:    ModelGeminiPro,
		MaxOutputTokens: 4096,
		TimeoutSeconds:  60,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(client.providers))
	}
	if client.providers[0].Provider() != ProviderGoogle {
		t.Errorf("expected google first, got %s", client.providers[0].Provider())
	}
}

func TestGoogleClient_IsAvailable(t *testing.T) {
	client := NewGoogleClient("test-key", ClientConfig{TimeoutSeconds: 60})
	if !client.IsAvailable() {
		t.Error("expected client to be available")
	}

	client = NewGoogleClient("", ClientConfig{TimeoutSeconds: 60})
	if client.IsAvailable() {
		t.Error("expected client to be unavailable with empty key")
	}
}

func TestAnthropicClient_IsAvailable(t *testing.T) {
	client := NewAnthropicClient("test-key", ClientConfig{TimeoutSeconds: 60})
	if !client.IsAvailable() {
		t.Error("expected client to be available")
	}

	client = NewAnthropicClient("", ClientConfig{TimeoutSeconds: 60})
	if client.IsAvailable() {
		t.Error("expected client to be unavailable with empty key")
	}
}

func TestAnthropicClient_RejectsVideo(t *testing.T) {
	client := NewAnthropicClient("test-key", ClientConfig{TimeoutSeconds: 60})

	_, err := client.Complete(context.Background(), &CompletionRequest{
		Prompt: "analyze this",
		Attachments: []Attachment{
			{MIMEType: "video/mp4", Data: []byte("fake")},
		},
	})
	if !errors.Is(err, ErrUnsupportedMedia) {
		t.Errorf("expected ErrUnsupportedMedia, got %v", err)
	}
}

func TestCompleteWithFallback(t *testing.T) {
	t.Run("falls back when primary fails", func(t *testing.T) {
		primary := &stubProvider{provider: ProviderGoogle, available: true, err: ErrQuotaExceeded}
		secondary := &stubProvider{provider: ProviderAnthropic, available: true, response: "ok"}
		client := &MultiProviderClient{
			providers: []ProviderClient{primary, secondary},
			config:    ClientConfig{MaxRetries: 1},
		}

		resp, provider, err := client.completeWithFallback(context.Background(), &CompletionRequest{Prompt: "p"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if provider != ProviderAnthropic {
			t.Errorf("expected anthropic to serve, got %s", provider)
		}
		if resp.Content != "ok" {
			t.Errorf("unexpected content %q", resp.Content)
		}
	})

	t.Run("context too long stops the fan out", func(t *testing.T) {
		primary := &stubProvider{provider: ProviderGoogle, available: true, err: ErrContextTooLong}
		secondary := &stubProvider{provider: ProviderAnthropic, available: true, response: "ok"}
		client := &MultiProviderClient{
			providers: []ProviderClient{primary, secondary},
			config:    ClientConfig{MaxRetries: 1},
		}

		_, _, err := client.completeWithFallback(context.Background(), &CompletionRequest{Prompt: "p"})
		if !errors.Is(err, ErrContextTooLong) {
			t.Fatalf("expected ErrContextTooLong, got %v", err)
		}
		if secondary.calls != 0 {
			t.Errorf("secondary should not be tried, got %d calls", secondary.calls)
		}
	})

	t.Run("all failed wraps last error", func(t *testing.T) {
		primary := &stubProvider{provider: ProviderGoogle, available: true, err: ErrQuotaExceeded}
		client := &MultiProviderClient{
			providers: []ProviderClient{primary},
			config:    ClientConfig{MaxRetries: 1},
		}

		_, _, err := client.completeWithFallback(context.Background(), &CompletionRequest{Prompt: "p"})
		if !errors.Is(err, ErrAllProvidersFailed) {
			t.Errorf("expected ErrAllProvidersFailed, got %v", err)
		}
		if !errors.Is(err, ErrQuotaExceeded) {
			t.Errorf("expected wrapped ErrQuotaExceeded, got %v", err)
		}
	})
}

func TestGoogleClient_Complete_InlineMedia(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Error("expected key query parameter")
		}

		var req googleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || len(req.Contents[0].Parts) != 2 {
			t.Fatalf("expected prompt plus one media part, got %+v", req.Contents)
		}
		if req.Contents[0].Parts[0].Text == "" {
			t.Error("expected first part to carry the prompt")
		}
		media := req.Contents[0].Parts[1].InlineData
		if media == nil || media.MIMEType != "image/png" {
			t.Errorf("expected inline png, got %+v", media)
		}

		resp := googleResponse{
			Candidates: []googleCandidate{
				{
					Content: googleContent{
						Parts: []googlePart{{Text: `{"analysis": "badge overlaps", "severity": "High", "fix": {"file_path": "src/App.tsx", "code": "fixed"}}`}},
					},
					FinishReason: "STOP",
				},
			},
			UsageMetadata: googleUsageMetadata{PromptTokenCount: 100, CandidatesTokenCount: 50, TotalTokenCount: 150},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := &GoogleClient{
		apiKey: "test-key",
		httpClient: &http.Client{
			Transport: &testTransport{testURL: server.URL},
		},
		config: ClientConfig{MaxOutputTokens: 4096, TimeoutSeconds: 60},
	}

	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Model:  ModelGeminiPro,
		Prompt: "find the bug",
		Attachments: []Attachment{
			{MIMEType: "image/png", Data: []byte("fake-png")},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resp.Content, "badge overlaps") {
		t.Errorf("unexpected content: %s", resp.Content)
	}
	if resp.Usage.TotalTokens != 150 {
		t.Errorf("unexpected total tokens: %d", resp.Usage.TotalTokens)
	}
}

func TestGoogleClient_Complete_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	client := &GoogleClient{
		apiKey: "test-key",
		httpClient: &http.Client{
			Transport: &testTransport{testURL: server.URL},
		},
		config: ClientConfig{MaxOutputTokens: 4096, TimeoutSeconds: 60},
	}

	_, err := client.Complete(context.Background(), &CompletionRequest{Prompt: "p"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

// testTransport redirects requests to the test server.
type testTransport struct {
	testURL string
}

func (t *testTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.testURL[7:] // Strip "http://"
	return http.DefaultTransport.RoundTrip(req)
}

// stubProvider scripts provider behavior for tests.
type stubProvider struct {
	provider  Provider
	available bool
	response  string
	err       error
	calls     int
	lastReq   *CompletionRequest
}

func (s *stubProvider) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &CompletionResponse{
		Content: s.response,
		Usage:   Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *stubProvider) Provider() Provider {
	return s.provider
}

func (s *stubProvider) IsAvailable() bool {
	return s.available
}
