package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sereneai/serene-server/internal/metrics"
	"github.com/sereneai/serene-server/internal/retry"
)

const (
	DefaultBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultAPIVersion = "v1beta"
	DefaultModel      = "gemini-2.0-flash"

	defaultTimeout = 30 * time.Second
)

// GeminiConfig configures the Gemini gateway client.
type GeminiConfig struct {
	// APIKey authenticates against the generative-language API. Required.
	APIKey string
	// BaseURL overrides the API endpoint. Defaults to the public endpoint.
	BaseURL string
	// Model is the model identifier. Defaults to gemini-2.0-flash.
	Model string
	// Timeout bounds a single HTTP call. Defaults to 30s.
	Timeout time.Duration
	// Retry controls backoff for transient failures. Zero value uses
	// retry.DefaultConfig.
	Retry retry.Config
}

// GeminiClient calls the Gemini generateContent API. It is constructed once
// at process start and injected into its consumers; it holds no global state
// and is safe for concurrent use.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     *http.Client
	retryCfg   retry.Config
}

// NewGemini returns a Gemini-backed Generator.
func NewGemini(cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: APIKey is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	retryCfg := cfg.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig
	}
	retryCfg.ShouldRetry = isTransient

	return &GeminiClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiVersion: DefaultAPIVersion,
		model:      cfg.Model,
		client:     &http.Client{Timeout: cfg.Timeout},
		retryCfg:   retryCfg,
	}, nil
}

// Model returns the configured model identifier.
func (c *GeminiClient) Model() string { return c.model }

// --- Gemini wire types ---

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiResponse struct {
	Candidates []candidate  `json:"candidates"`
	Error      *geminiError `json:"error,omitempty"`
}

type candidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// statusError marks HTTP-level failures so the retry predicate can
// distinguish transient from permanent errors.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d: %s", e.code, e.body)
}

func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	// Network errors, timeouts and the like are worth one more try.
	return true
}

// GenerateContent sends a single-prompt generateContent request and returns
// the concatenated candidate text.
func (c *GeminiClient) GenerateContent(ctx context.Context, prompt string) (string, error) {
	start := time.Now()

	var text string
	err := retry.Do(ctx, c.retryCfg, func() error {
		var callErr error
		text, callErr = c.generateOnce(ctx, prompt)
		return callErr
	})

	metrics.LLMLatency.WithLabelValues(c.model).Observe(time.Since(start).Seconds())
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.LLMRequests.WithLabelValues(c.model, outcome).Inc()

	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *GeminiClient) generateOnce(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	endpoint.Path += "/" + c.apiVersion + "/models/" + url.PathEscape(c.model) + ":generateContent"
	q := endpoint.Query()
	q.Set("key", c.apiKey)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode, body: truncate(string(respBody), 512)}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("gemini: api error %d (%s): %s", parsed.Error.Code, parsed.Error.Status, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return "", fmt.Errorf("gemini: response contains no candidates")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
