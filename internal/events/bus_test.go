package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/steveclawdbot-ship-it/hatchery-sub000/internal/ops"
)

type stubStore struct {
	events []ops.Event
	err    error
}

func (s *stubStore) InsertEvent(_ context.Context, ev ops.Event) (ops.Event, error) {
	if s.err != nil {
		return ops.Event{}, s.err
	}
	ev.ID = "ev-1"
	ev.CreatedAt = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	s.events = append(s.events, ev)
	return ev, nil
}

func TestBusEmitStoresEvent(t *testing.T) {
	st := &stubStore{}
	bus := NewBus(st)
	ev, err := bus.Emit(context.Background(), ops.Event{Kind: "step.succeeded", AgentID: "scout", Title: "done"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if ev.ID != "ev-1" {
		t.Fatalf("expected stored id, got %q", ev.ID)
	}
	if len(st.events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(st.events))
	}
}

func TestBusEmitWrapsStoreError(t *testing.T) {
	bus := NewBus(&stubStore{err: errors.New("conn reset")})
	_, err := bus.Emit(context.Background(), ops.Event{Kind: "system.alert"})
	var pe ops.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestEnvelopeCarriesEvent(t *testing.T) {
	ev := ops.Event{ID: "ev-9", Kind: "proposal.created", AgentID: "scout", Visibility: ops.VisibilityPublic, CreatedAt: time.Now().UTC()}
	env, err := NewEnvelope(ev)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	got, err := back.Event()
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if got.ID != "ev-9" || got.Kind != "proposal.created" || back.EventType != "proposal.created" {
		t.Fatalf("unexpected decoded event: %+v", got)
	}
}

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{EventType: "x", PayloadVersion: PayloadVersion, Data: []byte(`{}`)}
	if err := env.ValidateBasic(); err == nil {
		t.Fatalf("expected missing event_id error")
	}
}
