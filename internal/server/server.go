// Package server exposes the operations engine over an authenticated HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/heartbeat"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/proposal"
)

// ProposalAPI is the proposal service surface used by the API.
type ProposalAPI interface {
	CreateProposal(ctx context.Context, in proposal.Input) (proposal.CreateResult, error)
	ApproveProposal(ctx context.Context, id string, in proposal.ApproveInput) (proposal.ApproveResult, error)
	RejectProposal(ctx context.Context, id, reason string) error
}

// MissionReader loads missions and their steps.
type MissionReader interface {
	GetMission(ctx context.Context, id string) (ops.Mission, error)
	ListSteps(ctx context.Context, missionID string) ([]ops.Step, error)
}

// EventReader lists recent events.
type EventReader interface {
	ListEventsSince(ctx context.Context, since time.Time, limit int) ([]ops.Event, error)
}

// ConversationStarter runs a conversation on demand.
type ConversationStarter interface {
	StartConversation(ctx context.Context, formatID, topic string, participantIDs []string) (string, error)
}

// Options wires the API. Secret is required; the rest may be nil, in which
// case the matching routes answer 503.
type Options struct {
	Secret        []byte
	Proposals     ProposalAPI
	Missions      MissionReader
	Events        EventReader
	Heartbeat     heartbeat.Ticker
	Conversations ConversationStarter
	Metrics       http.Handler
	Logger        *log.Logger
	Now           func() time.Time
}

// Server is the echo-backed ops API.
type Server struct {
	e    *echo.Echo
	opts Options
	log  *log.Logger
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{e: echo.New(), opts: opts, log: logger}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.Use(middleware.Recover())
	s.e.HTTPErrorHandler = s.handleError

	s.e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if opts.Metrics != nil {
		s.e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	api := s.e.Group("/api", AuthMiddleware(opts.Secret))
	read := RequireScopes(ScopeRead)
	write := RequireScopes(ScopeWrite)

	api.POST("/proposals", s.createProposal, write)
	api.POST("/proposals/:id/approve", s.approveProposal, write)
	api.POST("/proposals/:id/reject", s.rejectProposal, write)
	api.GET("/missions/:id", s.getMission, read)
	api.GET("/events", s.listEvents, read)
	api.POST("/heartbeat/tick", s.tick, write)
	api.POST("/conversations", s.startConversation, write)
	return s, nil
}

// Handler returns the root http handler.
func (s *Server) Handler() http.Handler { return s.e }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Printf("listening on %s", addr)
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	var (
		he      *echo.HTTPError
		valErr  ops.ValidationError
		quota   ops.QuotaExceeded
		capGate ops.CapGateBlocked
		unknown ops.UnknownFormat
	)
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	case errors.As(err, &quota), errors.As(err, &capGate):
		return http.StatusTooManyRequests
	case errors.As(err, &unknown), errors.Is(err, ops.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ops.ErrTickInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	code := StatusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Message != nil {
		msg = fmt.Sprint(he.Message)
	}
	req := c.Request()
	s.log.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]interface{}{"error": msg})
	}
}
