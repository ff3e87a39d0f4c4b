package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLeaseSweeperClearsExpiredLeases(t *testing.T) {
	store := newFakeStore()
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tx := fakeTxRunner{store: store}

	now := float64(clk.Now().UnixNano()) / 1e9
	q, err := store.CreateQueue(context.Background(), "test", now)
	if err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	if err := store.InsertMessage(context.Background(), q.ID, now, now, now+1e9, "m", "text/plain", 50); err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	candidates, err := store.SelectCandidates(context.Background(), q.ID, now, 1)
	if err != nil || len(candidates) != 1 {
		t.Fatalf("SelectCandidates() = %+v, err = %v", candidates, err)
	}
	if err := store.LeaseMessage(context.Background(), candidates[0].ID, now, "deadbeef-0000-0000-0000-000000000000", 10); err != nil {
		t.Fatalf("LeaseMessage() error = %v", err)
	}

	sw := NewLeaseSweeper(tx, clk, time.Second, discardLogger())
	sw.tick(context.Background())
	if _, ok := store.messages[candidates[0].ID]; !ok {
		t.Fatal("message unexpectedly removed by lease sweep")
	}
	if store.messages[candidates[0].ID].LeaseDate != nil {
		t.Fatal("lease cleared before its deadline")
	}

	clk.Advance(11 * time.Second)
	sw.tick(context.Background())
	if store.messages[candidates[0].ID].LeaseDate != nil {
		t.Fatal("lease still held past its deadline")
	}

	again, err := store.SelectCandidates(context.Background(), q.ID, float64(clk.Now().UnixNano())/1e9, 1)
	if err != nil || len(again) != 1 {
		t.Fatalf("SelectCandidates() after sweep = %+v, err = %v, want the message visible again", again, err)
	}
}

func TestMessageSweeperDeletesRetentionExpiredMessages(t *testing.T) {
	store := newFakeStore()
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tx := fakeTxRunner{store: store}

	now := float64(clk.Now().UnixNano()) / 1e9
	q, err := store.CreateQueue(context.Background(), "test", now)
	if err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	if err := store.InsertMessage(context.Background(), q.ID, now, now, now+60, "expires soon", "text/plain", 50); err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	if err := store.InsertMessage(context.Background(), q.ID, now, now, now+1e9, "lives long", "text/plain", 50); err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}

	sw := NewMessageSweeper(tx, clk, time.Second, discardLogger())
	clk.Advance(90 * time.Second)
	sw.tick(context.Background())

	if len(store.messages) != 1 {
		t.Fatalf("len(store.messages) = %d, want 1 (one retention-expired message deleted)", len(store.messages))
	}
	for _, m := range store.messages {
		if m.Body != "lives long" {
			t.Fatalf("surviving message = %q, want \"lives long\"", m.Body)
		}
	}
	if store.queues[q.ID].ExpireCount != 1 {
		t.Fatalf("ExpireCount = %d, want 1", store.queues[q.ID].ExpireCount)
	}
}

// A leased message past its retention is left alone by the message
// sweeper; only the lease sweeper acts on it, and only once the lease
// itself has expired.
func TestMessageSweeperIgnoresLeasedMessages(t *testing.T) {
	store := newFakeStore()
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tx := fakeTxRunner{store: store}

	now := float64(clk.Now().UnixNano()) / 1e9
	q, err := store.CreateQueue(context.Background(), "test", now)
	if err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	if err := store.InsertMessage(context.Background(), q.ID, now, now, now+60, "leased", "text/plain", 50); err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	candidates, err := store.SelectCandidates(context.Background(), q.ID, now, 1)
	if err != nil || len(candidates) != 1 {
		t.Fatalf("SelectCandidates() = %+v, err = %v", candidates, err)
	}
	if err := store.LeaseMessage(context.Background(), candidates[0].ID, now, "deadbeef-0000-0000-0000-000000000001", 3600); err != nil {
		t.Fatalf("LeaseMessage() error = %v", err)
	}

	sw := NewMessageSweeper(tx, clk, time.Second, discardLogger())
	clk.Advance(90 * time.Second)
	sw.tick(context.Background())

	if len(store.messages) != 1 {
		t.Fatalf("len(store.messages) = %d, want 1 (leased message must survive)", len(store.messages))
	}
}

func TestStatsReporterTickDoesNotError(t *testing.T) {
	store := newFakeStore()
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tx := fakeTxRunner{store: store}

	q, err := store.CreateQueue(context.Background(), "test", 0)
	if err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	if err := store.InsertMessage(context.Background(), q.ID, 0, 0, 1e9, "m", "text/plain", 50); err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}

	r := NewStatsReporter(tx, clk, time.Second, discardLogger())
	r.tick(context.Background())
}
