package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/heartbeat"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/proposal"
)

var secret = []byte("test-secret")

type proposalStub struct {
	created  []proposal.Input
	err      error
	approver string
	rejected string
}

func (p *proposalStub) CreateProposal(_ context.Context, in proposal.Input) (proposal.CreateResult, error) {
	p.created = append(p.created, in)
	if p.err != nil {
		return proposal.CreateResult{}, p.err
	}
	return proposal.CreateResult{ProposalID: "p1", AutoApproved: true, MissionID: "m1"}, nil
}

func (p *proposalStub) ApproveProposal(_ context.Context, id string, in proposal.ApproveInput) (proposal.ApproveResult, error) {
	p.approver = in.DecidedBy
	if id == "missing" {
		return proposal.ApproveResult{}, ops.Persist("approve proposal", ops.ErrNotFound)
	}
	return proposal.ApproveResult{Mission: ops.Mission{ID: "m1", ProposalID: id}}, nil
}

func (p *proposalStub) RejectProposal(_ context.Context, id, reason string) error {
	p.rejected = id + ":" + reason
	return nil
}

type missionStub struct{}

func (missionStub) GetMission(_ context.Context, id string) (ops.Mission, error) {
	if id != "m1" {
		return ops.Mission{}, ops.ErrNotFound
	}
	return ops.Mission{ID: "m1", Status: ops.MissionRunning}, nil
}

func (missionStub) ListSteps(context.Context, string) ([]ops.Step, error) {
	return []ops.Step{{ID: "s1", MissionID: "m1", StepNumber: 1, Kind: "research", Status: ops.StepRunning}}, nil
}

type eventStub struct{ since time.Time }

func (e *eventStub) ListEventsSince(_ context.Context, since time.Time, _ int) ([]ops.Event, error) {
	e.since = since
	return []ops.Event{
		{ID: "e1", Kind: "step.succeeded", Visibility: ops.VisibilityInternal},
		{ID: "e2", Kind: "conversation.turn", Visibility: ops.VisibilityPublic},
	}, nil
}

type tickStub struct{ err error }

func (t tickStub) Tick(context.Context) (heartbeat.TickResult, error) {
	return heartbeat.TickResult{RunID: "run-1", TriggersFired: 2}, t.err
}

type convStub struct{}

func (convStub) StartConversation(_ context.Context, format, _ string, _ []string) (string, error) {
	if format == "opera" {
		return "", ops.UnknownFormat{Format: format}
	}
	return "c1", nil
}

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, props *proposalStub, evs *eventStub, ticker heartbeat.Ticker) *Server {
	t.Helper()
	s, err := New(Options{
		Secret:        secret,
		Proposals:     props,
		Missions:      missionStub{},
		Events:        evs,
		Heartbeat:     ticker,
		Conversations: convStub{},
		Metrics:       http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		Now:           func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func do(t *testing.T, s *Server, method, path, body string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if scopes != nil {
		tok, err := SignToken("operator", secret, time.Hour, scopes...)
		if err != nil {
			t.Fatalf("SignToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	s := newTestServer(t, &proposalStub{}, &eventStub{}, tickStub{})
	if rec := do(t, s, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "metrics") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAPIRequiresTokenAndScope(t *testing.T) {
	s := newTestServer(t, &proposalStub{}, &eventStub{}, tickStub{})
	if rec := do(t, s, http.MethodGet, "/api/missions/m1", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/heartbeat/tick", "", ScopeRead); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only token, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/missions/m1", "", ScopeWrite); rec.Code != http.StatusOK {
		t.Fatalf("write scope should imply read, got %d", rec.Code)
	}
}

func TestCreateProposalDefaultsSource(t *testing.T) {
	props := &proposalStub{}
	s := newTestServer(t, props, &eventStub{}, tickStub{})
	rec := do(t, s, http.MethodPost, "/api/proposals", `{"agent_id":"a1","steps":[{"kind":"research","description":"x"}]}`, ScopeWrite)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res proposal.CreateResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.AutoApproved || res.MissionID != "m1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if props.created[0].Source != ops.SourceManual {
		t.Fatalf("expected manual source, got %q", props.created[0].Source)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"quota", ops.QuotaExceeded{AgentID: "a1", Count: 3, Limit: 3}, http.StatusTooManyRequests},
		{"cap gate", ops.CapGateBlocked{StepKind: "tweet", Count: 5, Limit: 5}, http.StatusTooManyRequests},
		{"validation", ops.ValidationError{Field: "steps", Reason: "must not be empty"}, http.StatusBadRequest},
		{"persistence", ops.Persist("insert proposal", context.DeadlineExceeded), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		s := newTestServer(t, &proposalStub{err: tc.err}, &eventStub{}, tickStub{})
		rec := do(t, s, http.MethodPost, "/api/proposals", `{"agent_id":"a1"}`, ScopeWrite)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"error"`) {
			t.Fatalf("%s: expected JSON error body, got %s", tc.name, rec.Body.String())
		}
	}
}

func TestApproveAndReject(t *testing.T) {
	props := &proposalStub{}
	s := newTestServer(t, props, &eventStub{}, tickStub{})
	if rec := do(t, s, http.MethodPost, "/api/proposals/p1/approve", "", ScopeWrite); rec.Code != http.StatusOK {
		t.Fatalf("approve: %d", rec.Code)
	}
	if props.approver != "operator" {
		t.Fatalf("expected token subject as approver, got %q", props.approver)
	}
	if rec := do(t, s, http.MethodPost, "/api/proposals/missing/approve", "", ScopeWrite); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/proposals/p2/reject", `{"reason":"off mission"}`, ScopeWrite); rec.Code != http.StatusNoContent {
		t.Fatalf("reject: %d", rec.Code)
	}
	if props.rejected != "p2:off mission" {
		t.Fatalf("unexpected reject call %q", props.rejected)
	}
}

func TestGetMission(t *testing.T) {
	s := newTestServer(t, &proposalStub{}, &eventStub{}, tickStub{})
	rec := do(t, s, http.MethodGet, "/api/missions/m1", "", ScopeRead)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got missionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []ops.Step{{ID: "s1", MissionID: "m1", StepNumber: 1, Kind: "research", Status: ops.StepRunning}}
	if diff := cmp.Diff(want, got.Steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}
	if rec := do(t, s, http.MethodGet, "/api/missions/nope", "", ScopeRead); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListEventsSinceAndVisibility(t *testing.T) {
	evs := &eventStub{}
	s := newTestServer(t, &proposalStub{}, evs, tickStub{})
	rec := do(t, s, http.MethodGet, "/api/events?since=15m&visibility=public", "", ScopeRead)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !evs.since.Equal(fixedNow.Add(-15 * time.Minute)) {
		t.Fatalf("unexpected since %v", evs.since)
	}
	var got []ops.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e2" {
		t.Fatalf("expected only public event, got %+v", got)
	}
	if rec := do(t, s, http.MethodGet, "/api/events?since=yesterday", "", ScopeRead); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTickConflict(t *testing.T) {
	s := newTestServer(t, &proposalStub{}, &eventStub{}, tickStub{err: ops.ErrTickInProgress})
	if rec := do(t, s, http.MethodPost, "/api/heartbeat/tick", "", ScopeWrite); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	s = newTestServer(t, &proposalStub{}, &eventStub{}, tickStub{})
	rec := do(t, s, http.MethodPost, "/api/heartbeat/tick", "", ScopeWrite)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"run_id":"run-1"`) {
		t.Fatalf("unexpected tick response %d %s", rec.Code, rec.Body.String())
	}
}

func TestStartConversation(t *testing.T) {
	s := newTestServer(t, &proposalStub{}, &eventStub{}, tickStub{})
	if rec := do(t, s, http.MethodPost, "/api/conversations", `{"format":"standup"}`, ScopeWrite); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/conversations", `{"format":"opera"}`, ScopeWrite); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown format, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/conversations", `{}`, ScopeWrite); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing format, got %d", rec.Code)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without secret")
	}
}
