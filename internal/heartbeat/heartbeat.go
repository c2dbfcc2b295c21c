// Package heartbeat sequences one periodic tick of the operations engine:
// triggers, reactions, memory promotion, initiatives, stale step recovery,
// scheduled conversations and the summary event.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/events"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/initiative"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/policy"
)

const (
	DefaultWindow     = 5 * time.Minute
	DefaultStaleAfter = 30 * time.Minute

	actionName = "heartbeat"
)

// Store is the persistence a tick touches directly.
type Store interface {
	initiative.QueueStore
	RecoverStaleSteps(ctx context.Context, cutoff time.Time) (int, error)
	CountConversationsSince(ctx context.Context, format string, since time.Time) (int, error)
	StartActionRun(ctx context.Context, action string) (string, error)
	FinishActionRun(ctx context.Context, id string, status ops.RunStatus, details json.RawMessage, errMsg string) error
}

// TriggerEvaluator fires system-wide triggers.
type TriggerEvaluator interface {
	Evaluate(ctx context.Context, snap policy.Snapshot, window time.Duration) (int, error)
}

// ReactionProcessor fires agent reactions.
type ReactionProcessor interface {
	Process(ctx context.Context, snap policy.Snapshot, window time.Duration) (int, error)
}

// MemoryPromoter boosts corroborated memories.
type MemoryPromoter interface {
	PromoteCorroborated(ctx context.Context) (int, error)
}

// ConversationStarter runs a conversation.
type ConversationStarter interface {
	StartConversation(ctx context.Context, formatID, topic string, participantIDs []string) (string, error)
}

// Options wires a Heartbeat.
type Options struct {
	Store         Store
	Policies      policy.Source
	Triggers      TriggerEvaluator
	Reactions     ReactionProcessor
	Memory        MemoryPromoter
	Conversations ConversationStarter
	Emitter       events.Emitter
	Agents        []string
	Eligibility   initiative.Eligibility
	Window        time.Duration
	StaleAfter    time.Duration
	Location      *time.Location
	Lock          Lock
	Rand          *rand.Rand
	Now           func() time.Time
	Logger        *log.Logger
	Meter         otelmetric.Meter
}

// TickResult counts what one tick did.
type TickResult struct {
	TriggersFired       int    `json:"triggers_fired"`
	ReactionsFired      int    `json:"reactions_fired"`
	MemoriesPromoted    int    `json:"memories_promoted"`
	InitiativesQueued   int    `json:"initiatives_queued"`
	StepsRecovered      int    `json:"steps_recovered"`
	ConversationStarted bool   `json:"conversation_started"`
	ConversationID      string `json:"conversation_id,omitempty"`
	ConversationFormat  string `json:"conversation_format,omitempty"`
	RunID               string `json:"run_id"`
}

// Heartbeat runs ticks. At most one tick runs at a time per process, and per
// deployment when a Lock is configured.
type Heartbeat struct {
	store         Store
	policies      policy.Source
	triggers      TriggerEvaluator
	reactions     ReactionProcessor
	memory        MemoryPromoter
	conversations ConversationStarter
	emitter       events.Emitter
	agents        []string
	eligibility   initiative.Eligibility
	window        time.Duration
	staleAfter    time.Duration
	loc           *time.Location
	lock          Lock
	now           func() time.Time
	logger        *log.Logger

	running sync.Mutex
	rngMu   sync.Mutex
	rng     *rand.Rand

	tickCounter    otelmetric.Int64Counter
	failureCounter otelmetric.Int64Counter
}

// New validates opts and builds a Heartbeat.
func New(opts Options) (*Heartbeat, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("heartbeat store required")
	}
	if opts.Policies == nil {
		return nil, fmt.Errorf("heartbeat policy source required")
	}
	if opts.Emitter == nil {
		return nil, fmt.Errorf("heartbeat emitter required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	h := &Heartbeat{
		store:         opts.Store,
		policies:      opts.Policies,
		triggers:      opts.Triggers,
		reactions:     opts.Reactions,
		memory:        opts.Memory,
		conversations: opts.Conversations,
		emitter:       opts.Emitter,
		agents:        opts.Agents,
		eligibility:   opts.Eligibility,
		window:        opts.Window,
		staleAfter:    opts.StaleAfter,
		loc:           opts.Location,
		lock:          opts.Lock,
		now:           opts.Now,
		logger:        logger,
		rng:           opts.Rand,
	}
	if h.eligibility == (initiative.Eligibility{}) {
		h.eligibility = initiative.DefaultEligibility()
	}
	if h.window <= 0 {
		h.window = DefaultWindow
	}
	if h.staleAfter <= 0 {
		h.staleAfter = DefaultStaleAfter
	}
	if h.loc == nil {
		h.loc = time.Local
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.rng == nil {
		h.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Meter != nil {
		var err error
		h.tickCounter, err = opts.Meter.Int64Counter("heartbeat_ticks")
		if err != nil {
			logger.Printf("warn: create tick counter failed: %v", err)
		}
		h.failureCounter, err = opts.Meter.Int64Counter("heartbeat_failures")
		if err != nil {
			logger.Printf("warn: create failure counter failed: %v", err)
		}
	}
	return h, nil
}

// Tick runs one heartbeat. It returns ops.ErrTickInProgress without doing any
// work when another tick holds the guard. The whole tick is recorded as an
// action run; any error marks the run failed and is returned.
func (h *Heartbeat) Tick(ctx context.Context) (TickResult, error) {
	if !h.running.TryLock() {
		return TickResult{}, ops.ErrTickInProgress
	}
	defer h.running.Unlock()
	if h.lock != nil {
		release, ok, err := h.lock.Acquire(ctx)
		if err != nil {
			return TickResult{}, err
		}
		if !ok {
			return TickResult{}, ops.ErrTickInProgress
		}
		defer release()
	}

	runID, err := h.store.StartActionRun(ctx, actionName)
	if err != nil {
		return TickResult{}, ops.Persist("start action run", err)
	}
	started := h.now()
	res, err := h.run(ctx)
	res.RunID = runID

	details, derr := tickDetails(res, h.now().Sub(started))
	if derr != nil {
		h.logger.Printf("warn: encode tick %s details: %v", runID, derr)
		details = json.RawMessage(`{}`)
	}

	if err != nil {
		if h.failureCounter != nil {
			h.failureCounter.Add(ctx, 1)
		}
		h.logger.Printf("tick %s failed: %v", runID, err)
		if ferr := h.store.FinishActionRun(ctx, runID, ops.RunFailed, details, err.Error()); ferr != nil {
			h.logger.Printf("warn: finish action run %s failed: %v", runID, ferr)
		}
		h.emitFailure(ctx, runID, err)
		return res, err
	}
	if err := h.store.FinishActionRun(ctx, runID, ops.RunSucceeded, details, ""); err != nil {
		return res, ops.Persist("finish action run", err)
	}
	if h.tickCounter != nil {
		h.tickCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.Bool("conversation", res.ConversationStarted)))
	}
	h.logger.Printf("tick %s: triggers=%d reactions=%d promoted=%d initiatives=%d recovered=%d conversation=%t",
		runID, res.TriggersFired, res.ReactionsFired, res.MemoriesPromoted, res.InitiativesQueued, res.StepsRecovered, res.ConversationStarted)
	return res, nil
}

// tickDetails is the audit payload stored on the action run.
func tickDetails(res TickResult, took time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(struct {
		TickResult
		DurationMS int64 `json:"duration_ms"`
	}{res, took.Milliseconds()})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (h *Heartbeat) run(ctx context.Context) (TickResult, error) {
	var res TickResult
	now := h.now()

	snap, err := policy.Load(ctx, h.policies)
	if err != nil {
		return res, fmt.Errorf("load policies: %w", err)
	}

	if h.triggers != nil {
		if res.TriggersFired, err = h.triggers.Evaluate(ctx, snap, h.window); err != nil {
			return res, fmt.Errorf("evaluate triggers: %w", err)
		}
	}
	if h.reactions != nil {
		if res.ReactionsFired, err = h.reactions.Process(ctx, snap, h.window); err != nil {
			return res, fmt.Errorf("process reactions: %w", err)
		}
	}
	if h.memory != nil {
		if res.MemoriesPromoted, err = h.memory.PromoteCorroborated(ctx); err != nil {
			return res, fmt.Errorf("promote memories: %w", err)
		}
	}
	if res.InitiativesQueued, err = initiative.QueueEligible(ctx, h.store, h.eligibility, h.agents, now); err != nil {
		return res, fmt.Errorf("queue initiatives: %w", err)
	}
	if res.StepsRecovered, err = h.store.RecoverStaleSteps(ctx, now.Add(-h.staleAfter)); err != nil {
		return res, ops.Persist("recover stale steps", err)
	}
	if err := h.maybeConverse(ctx, snap, now, &res); err != nil {
		return res, err
	}

	_, err = h.emitter.Emit(ctx, ops.Event{
		AgentID: "system",
		Kind:    "system.heartbeat",
		Title:   "Heartbeat",
		Summary: fmt.Sprintf("%d triggers, %d reactions, %d steps recovered", res.TriggersFired, res.ReactionsFired, res.StepsRecovered),
		Payload: map[string]interface{}{
			"triggers_fired":       res.TriggersFired,
			"reactions_fired":      res.ReactionsFired,
			"memories_promoted":    res.MemoriesPromoted,
			"initiatives_queued":   res.InitiativesQueued,
			"steps_recovered":      res.StepsRecovered,
			"conversation_started": res.ConversationStarted,
		},
		Tags:       []string{"heartbeat"},
		Visibility: ops.VisibilityInternal,
	})
	if err != nil {
		return res, fmt.Errorf("emit heartbeat: %w", err)
	}
	return res, nil
}

func (h *Heartbeat) maybeConverse(ctx context.Context, snap policy.Snapshot, now time.Time, res *TickResult) error {
	if h.conversations == nil {
		return nil
	}
	slot, ok := snap.SlotForHour(now.In(h.loc).Hour())
	if !ok {
		return nil
	}
	if h.roll() >= slot.Probability {
		return nil
	}
	ran, err := h.store.CountConversationsSince(ctx, slot.Format, policy.MidnightIn(now, h.loc))
	if err != nil {
		return ops.Persist("count conversations", err)
	}
	if ran > 0 {
		return nil
	}
	id, err := h.conversations.StartConversation(ctx, slot.Format, "", nil)
	if err != nil {
		return fmt.Errorf("start %s conversation: %w", slot.Format, err)
	}
	res.ConversationStarted = true
	res.ConversationID = id
	res.ConversationFormat = slot.Format
	return nil
}

func (h *Heartbeat) roll() float64 {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Float64()
}

func (h *Heartbeat) emitFailure(ctx context.Context, runID string, cause error) {
	_, err := h.emitter.Emit(ctx, ops.Event{
		AgentID:    "system",
		Kind:       "system.heartbeat_failed",
		Title:      "Heartbeat failed",
		Summary:    cause.Error(),
		Payload:    map[string]interface{}{"run_id": runID, "error": cause.Error()},
		Tags:       []string{"heartbeat", "alert"},
		Visibility: ops.VisibilityInternal,
	})
	if err != nil {
		h.logger.Printf("warn: emit heartbeat failure failed: %v", err)
	}
}
