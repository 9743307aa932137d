package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestCompleteSendsPrompt(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "gpt-test" || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hello  "},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "gpt-test"}, nil)
	got, err := c.Complete(context.Background(), "be brief", "hi")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hello" {
		t.Errorf("content = %q", got)
	}
}

func TestAPIErrorsAreClassified(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		body   string
		want   ErrorKind
	}{
		{http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ErrorRateLimit},
		{http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, ErrorAuth},
		{http.StatusBadRequest, `{"error":{"message":"maximum context length is 8k"}}`, ErrorContext},
		{http.StatusServiceUnavailable, `upstream down`, ErrorRetryable},
		{http.StatusGatewayTimeout, `gateway`, ErrorTimeout},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(tc.body))
		}))
		c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, nil)
		_, err := c.Complete(context.Background(), "", "x")
		srv.Close()

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("status %d: want *APIError, got %v", tc.status, err)
		}
		if got := ClassifyError(err); got != tc.want {
			t.Errorf("status %d: kind = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestClientTimeoutClassifiedAsTimeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Complete(ctx, "", "x")
	if err == nil {
		t.Fatal("expected timeout")
	}
	if got := ClassifyError(err); got != ErrorTimeout {
		t.Errorf("kind = %s, want timeout", got)
	}
}

func TestNotConfigured(t *testing.T) {
	t.Parallel()
	c := NewClient(Config{}, nil)
	if c.Configured() {
		t.Error("client without key reports configured")
	}
	if _, err := c.Complete(context.Background(), "", "x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("want ErrNotConfigured, got %v", err)
	}
}

func TestTemperatureSentOnlyWhenSet(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	temp := 0.3
	for _, cfg := range []Config{
		{BaseURL: srv.URL, APIKey: "k"},
		{BaseURL: srv.URL, APIKey: "k", Temperature: &temp},
	} {
		if _, err := NewClient(cfg, nil).Complete(context.Background(), "", "x"); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if _, ok := bodies[0]["temperature"]; ok {
		t.Error("temperature sent without being configured")
	}
	if bodies[1]["temperature"] != 0.3 {
		t.Errorf("temperature = %v, want 0.3", bodies[1]["temperature"])
	}
}
