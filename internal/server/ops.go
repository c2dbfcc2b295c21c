package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/proposal"
)

const defaultEventLookback = time.Hour

type missionResponse struct {
	Mission ops.Mission `json:"mission"`
	Steps   []ops.Step  `json:"steps"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type conversationRequest struct {
	Format       string   `json:"format"`
	Topic        string   `json:"topic"`
	Participants []string `json:"participants"`
}

func unavailable(what string) error {
	return echo.NewHTTPError(http.StatusServiceUnavailable, what+" not configured")
}

func (s *Server) createProposal(c echo.Context) error {
	if s.opts.Proposals == nil {
		return unavailable("proposals")
	}
	var in proposal.Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.Source == "" {
		in.Source = ops.SourceManual
	}
	res, err := s.opts.Proposals.CreateProposal(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) approveProposal(c echo.Context) error {
	if s.opts.Proposals == nil {
		return unavailable("proposals")
	}
	in := proposal.ApproveInput{}
	if sub, ok := SubjectFromContext(c.Request().Context()); ok {
		in.DecidedBy = sub
	}
	res, err := s.opts.Proposals.ApproveProposal(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) rejectProposal(c echo.Context) error {
	if s.opts.Proposals == nil {
		return unavailable("proposals")
	}
	var req rejectRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if err := s.opts.Proposals.RejectProposal(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getMission(c echo.Context) error {
	if s.opts.Missions == nil {
		return unavailable("missions")
	}
	ctx := c.Request().Context()
	m, err := s.opts.Missions.GetMission(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	steps, err := s.opts.Missions.ListSteps(ctx, m.ID)
	if err != nil {
		return ops.Persist("list steps", err)
	}
	return c.JSON(http.StatusOK, missionResponse{Mission: m, Steps: steps})
}

// listEvents accepts since as RFC3339 or as a lookback duration ("15m").
func (s *Server) listEvents(c echo.Context) error {
	if s.opts.Events == nil {
		return unavailable("events")
	}
	since, err := parseSince(c.QueryParam("since"), s.opts.Now())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
	}
	evs, err := s.opts.Events.ListEventsSince(c.Request().Context(), since, limit)
	if err != nil {
		return ops.Persist("list events", err)
	}
	if vis := ops.Visibility(c.QueryParam("visibility")); vis != "" {
		kept := evs[:0]
		for _, ev := range evs {
			if ev.Visibility == vis {
				kept = append(kept, ev)
			}
		}
		evs = kept
	}
	if evs == nil {
		evs = []ops.Event{}
	}
	return c.JSON(http.StatusOK, evs)
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now.Add(-defaultEventLookback), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return time.Time{}, ops.ValidationError{Field: "since", Reason: "must be RFC3339 or a positive duration"}
	}
	return now.Add(-d), nil
}

func (s *Server) tick(c echo.Context) error {
	if s.opts.Heartbeat == nil {
		return unavailable("heartbeat")
	}
	res, err := s.opts.Heartbeat.Tick(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) startConversation(c echo.Context) error {
	if s.opts.Conversations == nil {
		return unavailable("conversations")
	}
	var req conversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Format) == "" {
		return ops.ValidationError{Field: "format", Reason: "is required"}
	}
	id, err := s.opts.Conversations.StartConversation(c.Request().Context(), req.Format, req.Topic, req.Participants)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"conversation_id": id})
}
