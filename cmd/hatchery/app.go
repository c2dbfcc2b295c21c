package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/config"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/conversation"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/events"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/heartbeat"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/initiative"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/llm"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/memory"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/proposal"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/relationship"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/store"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/telemetry"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/trigger"
)

// app is the dependency graph shared by the subcommands.
type app struct {
	cfg   *config.Config
	loc   *time.Location
	store *store.Store
	rdb   *redis.Client
	tel   *telemetry.Telemetry

	events    *events.Bus
	llm       llm.Client
	proposals *proposal.Service
	memory    *memory.Service
	rels      *relationship.Tracker
}

func newLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, "["+prefix+"] ", log.LstdFlags)
}

// newApp loads config and opens Postgres, Redis (optional) and telemetry.
func newApp(ctx context.Context, cfgPath, component string) (*app, error) {
	cfg := config.LoadConfig(cfgPath)
	loc, err := cfg.General.Location()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, loc: loc}

	pgCtx := ctx
	if cfg.Storage.Postgres.Timeout > 0 {
		var cancel context.CancelFunc
		pgCtx, cancel = context.WithTimeout(ctx, cfg.Storage.Postgres.Timeout)
		defer cancel()
	}
	if a.store, err = store.NewWithDSN(pgCtx, cfg.Storage.Postgres.DSN()); err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	if cfg.Storage.Redis.Enabled() {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Storage.Redis.Addr(),
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			DialTimeout: cfg.Storage.Redis.Timeout,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
	}

	if a.tel, err = telemetry.Setup(ctx, cfg.Telemetry, telemetry.Options{Component: component}); err != nil {
		a.close(ctx)
		return nil, err
	}

	busOpts := []events.Option{events.WithLogger(newLogger("EVENTS"))}
	if a.rdb != nil {
		busOpts = append(busOpts, events.WithRedis(a.rdb, cfg.Storage.Redis.Stream), events.WithMaxLenApprox(cfg.Storage.Redis.MaxLen))
	}
	a.events = events.NewBus(a.store, busOpts...)

	a.proposals = proposal.NewService(a.store, a.store, a.events,
		proposal.WithLocation(loc),
		proposal.WithLogger(newLogger("PROPOSAL")),
	)
	a.memory = memory.New(a.store)
	a.rels = relationship.NewTracker(a.store)
	return a, nil
}

// llmClient builds the provider lazily; commands that never generate text do
// not need an api key.
func (a *app) llmClient() (llm.Client, error) {
	if a.llm != nil {
		return a.llm, nil
	}
	c, err := llm.New(llm.Config{
		Type:       a.cfg.LLM.Type,
		BaseURL:    a.cfg.LLM.BaseURL,
		APIKey:     a.cfg.LLM.APIKey,
		Timeout:    a.cfg.LLM.Timeout,
		MaxRetries: a.cfg.LLM.MaxRetries,
		Models:     a.cfg.LLM.Models,
	})
	if err != nil {
		return nil, err
	}
	a.llm = c
	return c, nil
}

func (a *app) agents() []ops.Agent {
	out := make([]ops.Agent, 0, len(a.cfg.Agents))
	for _, ag := range a.cfg.Agents {
		out = append(out, ops.Agent{ID: ag.ID, Name: ag.Name, Role: ag.Role, Persona: ag.Persona})
	}
	return out
}

func (a *app) workerKinds() []string {
	out := make([]string, 0, len(a.cfg.Worker.Kinds))
	for k := range a.cfg.Worker.Kinds {
		out = append(out, k)
	}
	return out
}

func (a *app) conversations() (*conversation.Orchestrator, error) {
	client, err := a.llmClient()
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]conversation.Override, len(a.cfg.Conversation.Formats))
	for id, f := range a.cfg.Conversation.Formats {
		overrides[id] = conversation.Override{
			Description:        f.Description,
			MinParticipants:    f.MinParticipants,
			MaxParticipants:    f.MaxParticipants,
			MinTurns:           f.MinTurns,
			MaxTurns:           f.MaxTurns,
			Temperature:        f.Temperature,
			ExtractActionItems: f.ExtractActionItems,
			DefaultTopic:       f.DefaultTopic,
		}
	}
	formats, err := conversation.NewRegistry(overrides)
	if err != nil {
		return nil, err
	}
	return conversation.NewOrchestrator(conversation.Options{
		Formats:       formats,
		Agents:        a.agents(),
		Store:         a.store,
		LLM:           client,
		Emitter:       a.events,
		Memory:        a.memory,
		Relationships: a.rels,
		Proposer:      a.proposals,
		Logger:        newLogger("CONVO"),
	})
}

func (a *app) initiatives() (*initiative.Generator, error) {
	client, err := a.llmClient()
	if err != nil {
		return nil, err
	}
	return initiative.NewGenerator(a.store, a.memory, a.proposals, client, a.agents(), a.workerKinds(), newLogger("INITIATIVE")), nil
}

func (a *app) heartbeat() (*heartbeat.Heartbeat, error) {
	convo, err := a.conversations()
	if err != nil {
		return nil, err
	}
	logger := newLogger("TRIGGER")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	opts := heartbeat.Options{
		Store:         a.store,
		Policies:      a.store,
		Triggers:      trigger.NewEvaluator(a.store, a.proposals, logger),
		Reactions:     trigger.NewProcessor(a.store, a.proposals, rand.New(rand.NewSource(rng.Int63())), logger),
		Memory:        a.memory,
		Conversations: convo,
		Emitter:       a.events,
		Agents:        a.cfg.AgentIDs(),
		Eligibility: initiative.Eligibility{
			MinMemories:   a.cfg.Initiatives.MinMemories,
			MinConfidence: a.cfg.Initiatives.MinConfidence,
			Cooldown:      a.cfg.Initiatives.Cooldown,
		},
		Window:     a.cfg.Heartbeat.EventWindow,
		StaleAfter: a.cfg.Heartbeat.StaleAfter,
		Location:   a.loc,
		Rand:       rng,
		Logger:     newLogger("HEARTBEAT"),
		Meter:      a.tel.Meter,
	}
	if a.rdb != nil {
		opts.Lock = heartbeat.NewRedisLock(a.rdb, a.cfg.Heartbeat.LockKey, a.cfg.Heartbeat.LockTTL)
	}
	return heartbeat.New(opts)
}

func (a *app) close(ctx context.Context) {
	if a.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.tel.Shutdown(shutdownCtx); err != nil {
			log.Printf("warn: telemetry shutdown: %v", err)
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
