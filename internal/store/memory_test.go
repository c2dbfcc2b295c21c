package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
)

func TestGroupCorroborated(t *testing.T) {
	rows := []corroboratedRow{
		{ID: "m1", AgentID: "a1", Norm: "users like threads", Confidence: 0.8},
		{ID: "m2", AgentID: "a1", Norm: "users like threads", Confidence: 0.6},
		{ID: "m3", AgentID: "a1", Norm: "users like threads", Confidence: 0.55},
		{ID: "m4", AgentID: "a2", Norm: "users like threads", Confidence: 0.7},
		{ID: "m5", AgentID: "a2", Norm: "users like threads", Confidence: 0.7},
	}
	got := groupCorroborated(rows)
	want := []corroboratedGroup{
		{Keeper: rows[0], Duplicates: []string{"m2", "m3"}},
		{Keeper: rows[3], Duplicates: []string{"m5"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}
	if groupCorroborated(nil) != nil {
		t.Fatal("expected nil groups for no rows")
	}
}

func TestPromoteCorroboratedMemoriesCapsConfidence(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id::text, agent_id, lower\(btrim\(content\)\) AS norm, confidence`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent_id", "norm", "confidence"}).
			AddRow("m1", "a1", "ship on fridays", 0.95).
			AddRow("m2", "a1", "ship on fridays", 0.7))
	mock.ExpectExec(`UPDATE ops_agent_memory SET confidence=\$2`).
		WithArgs("m1", 1.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE ops_agent_memory SET superseded_by=\$1`).
		WithArgs("m1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := st.PromoteCorroboratedMemories(context.Background(), 0.1)
	if err != nil {
		t.Fatalf("PromoteCorroboratedMemories: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestQueryMemoriesExcludesSuperseded(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM ops_agent_memory\s+WHERE agent_id=\$1\s+AND superseded_by IS NULL\s+AND confidence >= \$2`).
		WithArgs("scout", 0.5, sqlmock.AnyArg(), 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent_id", "type", "content", "confidence", "tags", "source_trace_id", "superseded_by", "created_at", "updated_at"}).
			AddRow("m3", "scout", "insight", "threads do well on weekday mornings", 0.8, "{}", "", "", now, now))

	got, err := st.QueryMemories(context.Background(), MemoryQuery{AgentID: "scout", MinConfidence: 0.5})
	if err != nil {
		t.Fatalf("QueryMemories: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m3" || got[0].SupersededBy != "" {
		t.Fatalf("unexpected memories %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCountMemoriesAboveExcludesSuperseded(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ops_agent_memory\s+WHERE agent_id=\$1 AND superseded_by IS NULL AND confidence >= \$2`).
		WithArgs("scout", 0.6).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := st.CountMemoriesAbove(context.Background(), "scout", 0.6)
	if err != nil {
		t.Fatalf("CountMemoriesAbove: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
}
