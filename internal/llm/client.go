package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cognicore/allergo/pkg/allergo/fallback"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
)

// DefaultBaseURL is the chat completions endpoint used when none is configured.
const DefaultBaseURL = "https://api.openai.com/v1/chat/completions"

const systemPrompt = "You are a precise assistant for food allergen labelling. Answer exactly in the requested format."

// modelAliases maps model names that some deployments reject to ones they accept.
var modelAliases = map[string]string{
	"gpt-4.1":      "gpt-4o",
	"gpt-4.1-mini": "gpt-4o-mini",
	"gpt-4.1-nano": "gpt-4o-mini",
}

// ResolveModel applies model aliases.
func ResolveModel(name string) string {
	name = strings.TrimSpace(name)
	if alias, ok := modelAliases[strings.ToLower(name)]; ok {
		return alias
	}
	return name
}

// Client calls an OpenAI-compatible chat completion endpoint. It implements
// fallback.Caller.
type Client struct {
	BaseURL string
	APIKey  string
	Model   string

	HTTPClient *http.Client
}

var _ fallback.Caller = (*Client)(nil)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: status %d: %s", e.StatusCode, e.Message)
}

// Call sends one prompt and returns the first choice's content. Failures
// are classified into internalerr rate-limit, transient and fatal errors.
func (c *Client) Call(ctx context.Context, req fallback.Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.Model
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	temp := req.Temperature
	body := chatRequest{
		Model:       ResolveModel(model),
		Messages:    []chatMessage{{Role: "system", Content: systemPrompt}, {Role: "user", Content: req.Prompt}},
		Temperature: &temp,
		MaxTokens:   req.MaxTokens,
	}
	payload, _, err := c.send(ctx, body)
	if err != nil {
		return "", err
	}
	if len(payload.Choices) == 0 {
		return "", &internalerr.TransientError{Err: errors.New("llm: empty response")}
	}
	return payload.Choices[0].Message.Content, nil
}

// RateHeaders are the rate-limit headers reported by the endpoint.
type RateHeaders struct {
	StatusCode        int    `json:"status_code"`
	Model             string `json:"model"`
	LimitRequests     string `json:"limit_requests,omitempty"`
	RemainingRequests string `json:"remaining_requests,omitempty"`
	ResetRequests     string `json:"reset_requests,omitempty"`
	LimitTokens       string `json:"limit_tokens,omitempty"`
	RemainingTokens   string `json:"remaining_tokens,omitempty"`
	ResetTokens       string `json:"reset_tokens,omitempty"`
}

// Ping sends a one-token request and reports the rate-limit headers.
func (c *Client) Ping(ctx context.Context) (RateHeaders, error) {
	model := ResolveModel(c.Model)
	_, resp, err := c.send(ctx, chatRequest{
		Model:     model,
		Messages:  []chatMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	out := RateHeaders{Model: model}
	if resp != nil {
		h := resp.Header
		out.StatusCode = resp.StatusCode
		out.LimitRequests = h.Get("x-ratelimit-limit-requests")
		out.RemainingRequests = h.Get("x-ratelimit-remaining-requests")
		out.ResetRequests = h.Get("x-ratelimit-reset-requests")
		out.LimitTokens = h.Get("x-ratelimit-limit-tokens")
		out.RemainingTokens = h.Get("x-ratelimit-remaining-tokens")
		out.ResetTokens = h.Get("x-ratelimit-reset-tokens")
	}
	return out, err
}

func (c *Client) send(ctx context.Context, body chatRequest) (*chatResponse, *http.Response, error) {
	if c.BaseURL == "" || body.Model == "" {
		return nil, nil, &internalerr.FatalError{Err: fmt.Errorf("llm: base URL and model required: %w", internalerr.ErrInvalidConfig)}
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, nil, &internalerr.FatalError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, &internalerr.TransientError{Err: err}
	}
	var payload chatResponse
	decodeErr := json.Unmarshal(raw, &payload)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && payload.Error != nil {
			msg = payload.Error.Message
		}
		return nil, resp, classifyStatus(resp, &StatusError{StatusCode: resp.StatusCode, Message: msg})
	}
	if decodeErr != nil {
		return nil, resp, &internalerr.TransientError{Err: fmt.Errorf("llm: decode response: %w", decodeErr)}
	}
	if payload.Error != nil {
		return nil, resp, &internalerr.TransientError{Err: fmt.Errorf("llm error: %s", payload.Error.Message)}
	}
	return &payload, resp, nil
}

func classifyStatus(resp *http.Response, err *StatusError) error {
	switch code := err.StatusCode; {
	case code == http.StatusTooManyRequests:
		return &internalerr.RateLimitError{RetryAfter: retryAfter(resp), Err: err}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &internalerr.FatalError{Err: err}
	case code == http.StatusRequestTimeout || code >= 500:
		return &internalerr.TransientError{Err: err}
	default:
		return &internalerr.FatalError{Err: err}
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return &internalerr.FatalError{Err: err}
	}
	return &internalerr.TransientError{Err: err}
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(resp *http.Response) time.Duration {
	ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(ra); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 90 * time.Second}
}
