// Package llm defines the text generation contract used by workers, the
// conversation orchestrator and the initiative generator.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// Model tiers understood by every provider.
const (
	TierLight    = "light"
	TierStandard = "standard"
	TierHeavy    = "heavy"
)

// Options tune a single generation.
type Options struct {
	Tier        string
	System      string
	Temperature *float64
	MaxTokens   int
}

// Temperature returns a pointer suitable for Options.Temperature.
func Temperature(v float64) *float64 { return &v }

// Client generates text for a prompt.
type Client interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Type       string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	Models     map[string]string
}

// New builds the client for cfg.Type.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "openai", "openai_compatible":
		if len(cfg.Models) == 0 {
			return nil, fmt.Errorf("llm: at least one tier model must be configured")
		}
		return NewOpenAI(cfg), nil
	default:
		return nil, ops.UnknownProvider{Provider: cfg.Type}
	}
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string, opts Options) (string, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}
