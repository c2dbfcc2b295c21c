package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.openai.com/v1"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	baseURL    string
	apiKey     string
	models     map[string]string
	httpClient *http.Client
	retries    int
	backoff    time.Duration
}

// NewOpenAI builds a chat completions client from cfg.
func NewOpenAI(cfg Config) *OpenAI {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &OpenAI{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		models:     cfg.Models,
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		backoff:    300 * time.Millisecond,
	}
}

// Model resolves the model name for tier, falling back to the standard tier.
func (c *OpenAI) Model(tier string) (string, error) {
	if tier == "" {
		tier = TierStandard
	}
	if m, ok := c.models[tier]; ok && m != "" {
		return m, nil
	}
	if m, ok := c.models[TierStandard]; ok && m != "" {
		return m, nil
	}
	return "", fmt.Errorf("no model configured for tier %q", tier)
}

// Generate sends prompt as a single user message and returns the first choice.
func (c *OpenAI) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	model, err := c.Model(opts.Tier)
	if err != nil {
		return "", err
	}
	messages := make([]chatMessage, 0, 2)
	if s := strings.TrimSpace(opts.System); s != "" {
		messages = append(messages, chatMessage{Role: "system", Content: s})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var out chatResponse
	if err := c.doJSON(ctx, c.baseURL+"/chat/completions", body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return out.Choices[0].Message.Content, nil
}

func (c *OpenAI) doJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("failed to send request: %w", err)
		} else {
			retry, err := decodeResponse(resp, out)
			if err == nil {
				return nil
			}
			if !retry {
				return err
			}
			lastErr = err
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// decodeResponse reports whether a failed response is worth retrying.
func decodeResponse(resp *http.Response, out interface{}) (bool, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("failed to parse response: %w", err)
		}
		return false, nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := errors.New("API returned " + resp.Status + ": " + strings.TrimSpace(string(b)))
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retry, err
}
