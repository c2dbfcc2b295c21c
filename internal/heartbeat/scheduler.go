package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

// DefaultSchedule fires every five minutes.
const DefaultSchedule = "*/5 * * * *"

// Ticker is anything the scheduler can drive.
type Ticker interface {
	Tick(ctx context.Context) (TickResult, error)
}

// Scheduler fires ticks on a cron schedule. Each fire runs in its own
// goroutine; a fire that overlaps a running tick is skipped by the tick guard.
type Scheduler struct {
	spec   string
	expr   *cronexpr.Expression
	ticker Ticker
	logger *log.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

// NewScheduler parses spec (5-field cron or @hourly style) for t.
func NewScheduler(spec string, t Ticker, logger *log.Logger) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse heartbeat schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{spec: spec, expr: expr, ticker: t, logger: logger, now: time.Now}, nil
}

// Next returns the first fire time strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.expr.Next(t)
}

// Start blocks, firing ticks until ctx is cancelled, then waits for any
// in-flight tick to return.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Printf("heartbeat scheduler started; schedule=%q", s.spec)
	defer s.wg.Wait()
	for {
		next := s.Next(s.now())
		if next.IsZero() {
			s.logger.Printf("warn: schedule %q has no future fire time", s.spec)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Printf("heartbeat scheduler stopping: %v", ctx.Err())
			return
		case <-timer.C:
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(ctx)
		}()
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	res, err := s.ticker.Tick(ctx)
	switch {
	case errors.Is(err, ops.ErrTickInProgress):
		s.logger.Printf("skip: previous tick still running")
	case err != nil:
		s.logger.Printf("error: heartbeat tick failed: %v", err)
	default:
		s.logger.Printf("heartbeat run %s done", res.RunID)
	}
}
