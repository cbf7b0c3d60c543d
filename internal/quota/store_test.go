package quota

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestRecordAndSummary(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	recs := []Record{
		{Timestamp: now, ScopeKey: "chat/acme/dana", Model: "hd-large", InputTokens: 1000, OutputTokens: 400},
		{Timestamp: now, ScopeKey: "chat/acme/dana", Model: "hd-large", InputTokens: 500, OutputTokens: 200},
		{Timestamp: now, ScopeKey: "crm/acme/lee", Model: "hd-small", InputTokens: 100, OutputTokens: 50},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TotalRecords != 3 {
		t.Errorf("TotalRecords = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 1600 {
		t.Errorf("TotalInputTokens = %d, want 1600", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 650 {
		t.Errorf("TotalOutputTokens = %d, want 650", sum.TotalOutputTokens)
	}
}

func TestSummaryWindowExclusive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.Record(ctx, Record{Timestamp: now.Add(-2 * time.Hour), ScopeKey: "a", Model: "m", InputTokens: 10}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, Record{Timestamp: now, ScopeKey: "a", Model: "m", InputTokens: 20}); err != nil {
		t.Fatal(err)
	}

	sum, err := s.Summary(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 1 || sum.TotalInputTokens != 20 {
		t.Errorf("window filter wrong: %+v", sum)
	}
}

func TestSummaryByScope(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if err := s.Record(ctx, Record{Timestamp: now, ScopeKey: "chat/acme/dana", Model: "m", InputTokens: 100}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Record(ctx, Record{Timestamp: now, ScopeKey: "crm/acme/lee", Model: "m", InputTokens: 10}); err != nil {
		t.Fatal(err)
	}

	byScope, err := s.SummaryByScope(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(byScope) != 2 {
		t.Fatalf("scopes = %d, want 2", len(byScope))
	}
	if byScope["chat/acme/dana"].TotalRecords != 3 {
		t.Errorf("dana records = %d, want 3", byScope["chat/acme/dana"].TotalRecords)
	}
	if byScope["crm/acme/lee"].TotalInputTokens != 10 {
		t.Errorf("lee input tokens = %d, want 10", byScope["crm/acme/lee"].TotalInputTokens)
	}
}

func TestRecordGeneratesID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Record{ScopeKey: "a", Model: "m"}); err != nil {
		t.Fatalf("record without ID: %v", err)
	}
	if err := s.Record(ctx, Record{ScopeKey: "a", Model: "m"}); err != nil {
		t.Fatalf("second record without ID: %v", err)
	}
}
