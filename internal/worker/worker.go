// Package worker runs the per-kind step execution loop: poll the oldest queued
// step, claim it atomically, run the registered handler and record the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/events"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/llm"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxFailures  = 3

	// SystemAgent authors events the engine emits on its own behalf.
	SystemAgent = "system"
)

// State is where the loop currently is.
type State string

const (
	StatePolling     State = "polling"
	StateClaiming    State = "claiming"
	StateExecuting   State = "executing"
	StateCircuitOpen State = "circuit_open"
)

// StoreAPI captures the store methods required by the worker.
type StoreAPI interface {
	NextQueuedStep(ctx context.Context, kind string) (ops.Step, bool, error)
	ClaimStep(ctx context.Context, stepID, workerID string) (bool, error)
	CompleteStep(ctx context.Context, stepID, workerID string, status ops.StepStatus, output map[string]interface{}, errMsg string) (string, error)
}

// Options configures a Worker.
type Options struct {
	Kind         string
	WorkerID     string
	Store        StoreAPI
	Handlers     *Registry
	Emitter      events.Emitter
	LLM          llm.Client
	Memory       MemoryAPI
	Logger       *log.Logger
	Meter        otelmetric.Meter
	Tracer       trace.Tracer
	PollInterval time.Duration
	MaxFailures  int
}

// Worker executes steps of a single kind until its context ends or the circuit opens.
type Worker struct {
	kind        string
	id          string
	store       StoreAPI
	handler     Handler
	emitter     events.Emitter
	stepCtx     *StepContext
	logger      *log.Logger
	tracer      trace.Tracer
	interval    time.Duration
	maxFailures int

	mu       sync.Mutex
	state    State
	failures int

	sleep func(ctx context.Context, d time.Duration) error

	completedCounter otelmetric.Int64Counter
	claimLostCounter otelmetric.Int64Counter
	circuitCounter   otelmetric.Int64Counter
}

// New validates opts and builds a Worker.
func New(opts Options) (*Worker, error) {
	kind := strings.TrimSpace(opts.Kind)
	if kind == "" {
		return nil, fmt.Errorf("worker kind required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("worker store required")
	}
	if opts.Handlers == nil {
		return nil, fmt.Errorf("worker handler registry required")
	}
	h, ok := opts.Handlers.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %s", kind)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	id := strings.TrimSpace(opts.WorkerID)
	if id == "" {
		id = defaultWorkerID(kind)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	maxFailures := opts.MaxFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}

	w := &Worker{
		kind:        kind,
		id:          id,
		store:       opts.Store,
		handler:     h,
		emitter:     opts.Emitter,
		logger:      logger,
		tracer:      tracer,
		interval:    interval,
		maxFailures: maxFailures,
		state:       StatePolling,
		sleep:       sleepContext,
	}
	w.stepCtx = &StepContext{
		WorkerID: id,
		LLM:      opts.LLM,
		Events:   opts.Emitter,
		Memory:   opts.Memory,
		Logger:   logger,
	}
	if opts.Meter != nil {
		var err error
		w.completedCounter, err = opts.Meter.Int64Counter("worker_steps_completed")
		if err != nil {
			logger.Printf("warn: create completed counter failed: %v", err)
		}
		w.claimLostCounter, err = opts.Meter.Int64Counter("worker_claims_lost")
		if err != nil {
			logger.Printf("warn: create claim counter failed: %v", err)
		}
		w.circuitCounter, err = opts.Meter.Int64Counter("worker_circuit_open")
		if err != nil {
			logger.Printf("warn: create circuit counter failed: %v", err)
		}
	}
	return w, nil
}

// ID returns the identity used when claiming steps.
func (w *Worker) ID() string { return w.id }

// State reports the loop's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Failures reports the current consecutive failure count.
func (w *Worker) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

// Run blocks until ctx is cancelled (returning nil) or the circuit opens
// (returning ops.ErrCircuitOpen). Once open the worker never polls again.
func (w *Worker) Run(ctx context.Context) error {
	if w.State() == StateCircuitOpen {
		return ops.ErrCircuitOpen
	}
	w.logger.Printf("worker %s starting; kind=%s interval=%s", w.id, w.kind, w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("worker %s stopping: %v", w.id, ctx.Err())
			return nil
		default:
		}

		worked, err := w.cycle(ctx)
		switch {
		case errors.Is(err, ops.ErrCircuitOpen):
			return err
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Printf("error in worker cycle: %v", err)
			if w.recordFailure(ctx, err.Error()) {
				return ops.ErrCircuitOpen
			}
			if err := w.sleep(ctx, 2*w.interval); err != nil {
				return nil
			}
		case !worked:
			if err := w.sleep(ctx, w.interval); err != nil {
				return nil
			}
		}
	}
}

// cycle runs one poll/claim/execute/complete pass. worked is false when no step
// was queued.
func (w *Worker) cycle(ctx context.Context) (worked bool, err error) {
	w.setState(StatePolling)
	step, ok, err := w.store.NextQueuedStep(ctx, w.kind)
	if err != nil {
		return false, ops.Persist("next queued step", err)
	}
	if !ok {
		return false, nil
	}

	w.setState(StateClaiming)
	won, err := w.store.ClaimStep(ctx, step.ID, w.id)
	if err != nil {
		return false, ops.Persist("claim step", err)
	}
	if !won {
		w.claimLost(ctx, step.ID)
		return true, nil
	}
	step.Status = ops.StepRunning
	step.ReservedBy = w.id

	w.setState(StateExecuting)
	res := w.execute(ctx, step)

	status := ops.StepSucceeded
	if !res.Success {
		status = ops.StepFailed
		if res.Error == "" {
			res.Error = "handler reported failure"
		}
	}
	output := res.Output
	if !res.Success {
		output = nil
	}
	_, err = w.store.CompleteStep(ctx, step.ID, w.id, status, output, res.Error)
	if errors.Is(err, ops.ErrClaimLost) {
		// requeued as stale while we ran; the new holder owns the outcome
		w.claimLost(ctx, step.ID)
		return true, nil
	}
	if err != nil {
		return true, ops.Persist("complete step", err)
	}
	if w.completedCounter != nil {
		w.completedCounter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("kind", w.kind),
			attribute.String("status", string(status)),
		))
	}
	w.emitCompletion(ctx, step, status, res)

	if res.Success {
		w.resetFailures()
		return true, nil
	}
	failure := ops.HandlerFailure{StepID: step.ID, Kind: step.Kind, Err: errors.New(res.Error)}
	w.logger.Printf("%v", failure)
	if w.recordFailure(ctx, failure.Error()) {
		return true, ops.ErrCircuitOpen
	}
	return true, nil
}

func (w *Worker) claimLost(ctx context.Context, stepID string) {
	if w.claimLostCounter != nil {
		w.claimLostCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", w.kind)))
	}
	w.logger.Printf("claim lost for step %s", stepID)
}

// execute runs the handler, converting a panic into a failed result.
func (w *Worker) execute(ctx context.Context, step ops.Step) (res Result) {
	ctx, span := w.tracer.Start(ctx, "worker.execute_step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", step.Kind),
		attribute.String("mission.id", step.MissionID),
	))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			res = Result{Error: fmt.Sprintf("handler panic: %v", r)}
		}
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
		}
	}()
	return w.handler.Execute(ctx, step, w.stepCtx)
}

func (w *Worker) emitCompletion(ctx context.Context, step ops.Step, status ops.StepStatus, res Result) {
	if w.emitter == nil {
		return
	}
	payload := map[string]interface{}{
		"step_id":     step.ID,
		"mission_id":  step.MissionID,
		"step_number": step.StepNumber,
		"kind":        step.Kind,
		"worker_id":   w.id,
	}
	summary := ""
	if res.Error != "" {
		payload["error"] = res.Error
		summary = res.Error
	}
	_, err := w.emitter.Emit(ctx, ops.Event{
		AgentID:    SystemAgent,
		Kind:       "step." + string(status),
		Title:      fmt.Sprintf("Step %s %s", step.Kind, status),
		Summary:    summary,
		Payload:    payload,
		Tags:       []string{"step", step.Kind},
		Visibility: ops.VisibilityInternal,
	})
	if err != nil {
		w.logger.Printf("warn: emit step event failed: %v", err)
	}
}

// recordFailure bumps the consecutive failure count and opens the circuit when
// it reaches the threshold. It returns true when the circuit opened.
func (w *Worker) recordFailure(ctx context.Context, reason string) bool {
	w.mu.Lock()
	if w.state == StateCircuitOpen {
		w.mu.Unlock()
		return true
	}
	w.failures++
	n := w.failures
	if n < w.maxFailures {
		w.mu.Unlock()
		return false
	}
	w.state = StateCircuitOpen
	w.mu.Unlock()

	w.logger.Printf("circuit open for kind %s after %d consecutive failures", w.kind, n)
	if w.circuitCounter != nil {
		w.circuitCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", w.kind)))
	}
	if w.emitter != nil {
		_, err := w.emitter.Emit(ctx, ops.Event{
			AgentID: SystemAgent,
			Kind:    "system.alert",
			Title:   fmt.Sprintf("Worker %s stopped after %d consecutive failures", w.kind, n),
			Summary: reason,
			Payload: map[string]interface{}{
				"worker_id":            w.id,
				"kind":                 w.kind,
				"consecutive_failures": n,
				"last_error":           reason,
			},
			Tags:       []string{"alert", "worker"},
			Visibility: ops.VisibilityPublic,
		})
		if err != nil {
			w.logger.Printf("warn: emit alert failed: %v", err)
		}
	}
	return true
}

func (w *Worker) resetFailures() {
	w.mu.Lock()
	w.failures = 0
	w.mu.Unlock()
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	if w.state != StateCircuitOpen {
		w.state = s
	}
	w.mu.Unlock()
}

func defaultWorkerID(kind string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s-%s", host, kind, uuid.NewString()[:8])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
