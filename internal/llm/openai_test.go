package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

func TestOpenAIGenerateUsesTierModel(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Models: map[string]string{TierLight: "small", TierStandard: "medium"}})
	text, err := c.Generate(context.Background(), "hi", Options{Tier: TierLight, System: "be brief", Temperature: Temperature(0.2), MaxTokens: 64})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "hello" {
		t.Fatalf("unexpected text %q", text)
	}
	if got.Model != "small" {
		t.Fatalf("expected small model, got %s", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Fatalf("temperature not forwarded")
	}
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI(Config{BaseURL: srv.URL, MaxRetries: 1, Models: map[string]string{TierStandard: "m"}})
	c.backoff = 0
	text, err := c.Generate(context.Background(), "hi", Options{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "ok" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected retry then success, got %q after %d calls", text, calls)
	}
}

func TestOpenAIDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAI(Config{BaseURL: srv.URL, MaxRetries: 3, Models: map[string]string{TierStandard: "m"}})
	c.backoff = 0
	if _, err := c.Generate(context.Background(), "hi", Options{}); err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestOpenAIModelFallback(t *testing.T) {
	c := NewOpenAI(Config{Models: map[string]string{TierStandard: "m"}})
	if m, err := c.Model(TierHeavy); err != nil || m != "m" {
		t.Fatalf("expected fallback to standard, got %q %v", m, err)
	}
	c = NewOpenAI(Config{Models: map[string]string{TierHeavy: "big"}})
	if _, err := c.Model(TierLight); err == nil {
		t.Fatalf("expected error without standard model")
	}
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(Config{Type: "carrier-pigeon"})
	var up ops.UnknownProvider
	if !errors.As(err, &up) {
		t.Fatalf("expected UnknownProvider, got %v", err)
	}
	if _, err := New(Config{Type: "openai", Models: map[string]string{TierStandard: "m"}}); err != nil {
		t.Fatalf("New(openai): %v", err)
	}
}
