package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cognicore/allergo/pkg/allergo/fallback"
	"github.com/cognicore/allergo/pkg/allergo/internalerr"
)

type roundTrip func(*http.Request) *http.Response

func (rt roundTrip) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt(req), nil
}

func reply(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     header,
	}
}

func testClient(rt roundTrip) *Client {
	return &Client{
		BaseURL:    "https://api.test/v1/chat/completions",
		Model:      "gpt-test",
		HTTPClient: &http.Client{Transport: rt},
	}
}

func TestCallSuccess(t *testing.T) {
	client := testClient(func(req *http.Request) *http.Response {
		var body chatRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Model != "gpt-4o-mini" || body.MaxTokens != 64 || body.Temperature == nil || *body.Temperature != 0.2 {
			t.Fatalf("unexpected request %+v", body)
		}
		if got := body.Messages[len(body.Messages)-1].Content; got != "Terms?" {
			t.Fatalf("prompt = %q", got)
		}
		return reply(200, `{"choices":[{"message":{"role":"assistant","content":"[\"käse\"]"}}]}`, nil)
	})

	out, err := client.Call(context.Background(), fallback.Request{
		Prompt: "Terms?", Model: "gpt-4.1-mini", Temperature: 0.2, MaxTokens: 64, Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != `["käse"]` {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestCallClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		is     error
		kind   internalerr.Kind
	}{
		{"rate limited", 429, http.Header{"Retry-After": []string{"3"}}, internalerr.ErrRateLimited, internalerr.KindRateLimit},
		{"unauthorized", 401, nil, internalerr.ErrFatal, internalerr.KindFatal},
		{"forbidden", 403, nil, internalerr.ErrFatal, internalerr.KindFatal},
		{"timeout", 408, nil, internalerr.ErrTransient, internalerr.KindTransient},
		{"server", 503, nil, internalerr.ErrTransient, internalerr.KindTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(func(req *http.Request) *http.Response {
				return reply(tc.status, `{"error":{"message":"nope"}}`, tc.header)
			})
			_, err := client.Call(context.Background(), fallback.Request{Prompt: "x"})
			if !errors.Is(err, tc.is) {
				t.Fatalf("error %v is not %v", err, tc.is)
			}
			if got := internalerr.Classify(err); got != tc.kind {
				t.Fatalf("Classify = %v, want %v", got, tc.kind)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.Message != "nope" {
				t.Fatalf("status error = %+v", se)
			}
		})
	}
}

func TestRetryAfterHeader(t *testing.T) {
	client := testClient(func(req *http.Request) *http.Response {
		return reply(429, `{}`, http.Header{"Retry-After": []string{"1.5"}})
	})
	_, err := client.Call(context.Background(), fallback.Request{Prompt: "x"})
	d, ok := internalerr.RetryAfter(err)
	if !ok || d != 1500*time.Millisecond {
		t.Fatalf("RetryAfter = %v, %v", d, ok)
	}
}

func TestCallPayloadErrorsAreTransient(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"error payload", `{"error":{"message":"bad"}}`},
		{"no choices", `{"choices":[]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(func(req *http.Request) *http.Response {
				return reply(200, tc.body, nil)
			})
			_, err := client.Call(context.Background(), fallback.Request{Prompt: "x"})
			if got := internalerr.Classify(err); err == nil || got != internalerr.KindTransient {
				t.Fatalf("err = %v, kind %v", err, got)
			}
		})
	}
}

func TestMissingConfigIsFatal(t *testing.T) {
	client := &Client{}
	_, err := client.Call(context.Background(), fallback.Request{Prompt: "x"})
	if !errors.Is(err, internalerr.ErrFatal) || !errors.Is(err, internalerr.ErrInvalidConfig) {
		t.Fatalf("error = %v", err)
	}
}

func TestPingReportsHeaders(t *testing.T) {
	h := make(http.Header)
	h.Set("x-ratelimit-limit-requests", "500")
	h.Set("x-ratelimit-remaining-requests", "499")
	h.Set("x-ratelimit-remaining-tokens", "199990")
	client := testClient(func(req *http.Request) *http.Response {
		return reply(200, `{"choices":[{"message":{"role":"assistant","content":"p"}}]}`, h)
	})
	got, err := client.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if got.StatusCode != 200 || got.LimitRequests != "500" || got.RemainingRequests != "499" || got.RemainingTokens != "199990" {
		t.Fatalf("headers = %+v", got)
	}
}

func TestResolveModel(t *testing.T) {
	for in, want := range map[string]string{
		"gpt-4.1":      "gpt-4o",
		"GPT-4.1-nano": "gpt-4o-mini",
		"gpt-4o-mini":  "gpt-4o-mini",
		" custom ":     "custom",
	} {
		if got := ResolveModel(in); got != want {
			t.Errorf("ResolveModel(%q) = %q, want %q", in, got, want)
		}
	}
}
