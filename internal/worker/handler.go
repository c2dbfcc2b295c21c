package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/events"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/llm"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/memory"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// MemoryAPI is the slice of the memory service exposed to handlers.
type MemoryAPI interface {
	Query(ctx context.Context, agentID string, f memory.Filter) ([]ops.Memory, error)
	Write(ctx context.Context, m ops.Memory) (ops.Memory, error)
}

// StepContext is what a handler may use while executing a step.
type StepContext struct {
	WorkerID string
	LLM      llm.Client
	Events   events.Emitter
	Memory   MemoryAPI
	Logger   *log.Logger
}

// Result is the outcome a handler reports for one step.
type Result struct {
	Success bool
	Output  map[string]interface{}
	Error   string
}

// Succeed reports a successful step with output.
func Succeed(output map[string]interface{}) Result {
	return Result{Success: true, Output: output}
}

// Fail reports a failed step.
func Fail(err error) Result {
	if err == nil {
		return Result{Error: "handler failed"}
	}
	return Result{Error: err.Error()}
}

// Handler executes steps of one kind.
type Handler interface {
	Execute(ctx context.Context, step ops.Step, sc *StepContext) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, step ops.Step, sc *StepContext) Result

func (f HandlerFunc) Execute(ctx context.Context, step ops.Step, sc *StepContext) Result {
	return f(ctx, step, sc)
}

// Registry maps step kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds kind to h, replacing any previous handler.
func (r *Registry) Register(kind string, h Handler) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("handler kind required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
	return nil
}

// Lookup returns the handler registered for kind.
func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PromptHandler renders a prompt from the step and returns the model's text.
// The template sees .Kind, .Description, .Payload (JSON) and .MissionID.
type PromptHandler struct {
	Template  string
	Tier      string
	System    string
	MaxTokens int

	once sync.Once
	tmpl *template.Template
	err  error
}

// NewPromptHandler parses tmpl up front so bad templates fail at startup.
func NewPromptHandler(tmpl, tier, system string) (*PromptHandler, error) {
	h := &PromptHandler{Template: tmpl, Tier: tier, System: system}
	if _, err := h.parsed(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *PromptHandler) parsed() (*template.Template, error) {
	h.once.Do(func() {
		src := h.Template
		if strings.TrimSpace(src) == "" {
			src = "Complete this {{.Kind}} task.\n{{.Description}}\nInput: {{.Payload}}"
		}
		h.tmpl, h.err = template.New("step").Option("missingkey=zero").Parse(src)
	})
	return h.tmpl, h.err
}

func (h *PromptHandler) Execute(ctx context.Context, step ops.Step, sc *StepContext) Result {
	if sc == nil || sc.LLM == nil {
		return Fail(fmt.Errorf("no llm client configured"))
	}
	tmpl, err := h.parsed()
	if err != nil {
		return Fail(fmt.Errorf("parse prompt: %w", err))
	}
	payload, err := json.Marshal(step.Payload)
	if err != nil {
		return Fail(fmt.Errorf("marshal payload: %w", err))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]interface{}{
		"Kind":        step.Kind,
		"Description": step.Description,
		"Payload":     string(payload),
		"MissionID":   step.MissionID,
	}); err != nil {
		return Fail(fmt.Errorf("render prompt: %w", err))
	}
	tier := h.Tier
	if tier == "" {
		tier = llm.TierStandard
	}
	text, err := sc.LLM.Generate(ctx, buf.String(), llm.Options{Tier: tier, System: h.System, MaxTokens: h.MaxTokens})
	if err != nil {
		return Fail(err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Fail(fmt.Errorf("empty completion"))
	}
	return Succeed(map[string]interface{}{"text": text, "tier": tier})
}
