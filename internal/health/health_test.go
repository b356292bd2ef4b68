package health

import (
	"context"
	"testing"
	"time"

	"flockd/internal/storage"
	logx "flockd/pkg/logx"
)

func testTracker(t *testing.T) (*Tracker, storage.Store, *time.Time) {
	t.Helper()
	store := storage.NewMemory()
	tr := New(store, logx.Nop(), nil)
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }
	return tr, store, &now
}

func enroll(t *testing.T, tr *Tracker, a storage.Account) int64 {
	t.Helper()
	id, err := tr.Enroll(context.Background(), a)
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	return id
}

func TestEligibleOrdering(t *testing.T) {
	t.Parallel()
	tr, _, now := testTracker(t)
	ctx := context.Background()

	low := enroll(t, tr, storage.Account{Phone: "+1", SessionRef: "a", Status: storage.StatusActive, Priority: 1})
	highStale := enroll(t, tr, storage.Account{Phone: "+2", SessionRef: "b", Status: storage.StatusActive, Priority: 5, LastUsedAt: now.Add(-2 * time.Hour)})
	highFresh := enroll(t, tr, storage.Account{Phone: "+3", SessionRef: "c", Status: storage.StatusActive, Priority: 5, LastUsedAt: now.Add(-time.Minute)})

	got := tr.Eligible(ctx, 0)
	if len(got) != 3 {
		t.Fatalf("want 3 eligible, got %d", len(got))
	}
	if got[0].ID != highStale || got[1].ID != highFresh || got[2].ID != low {
		t.Fatalf("wrong order: %d, %d, %d", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestEligibleLimit(t *testing.T) {
	t.Parallel()
	tr, _, _ := testTracker(t)
	for _, p := range []string{"+1", "+2", "+3"} {
		enroll(t, tr, storage.Account{Phone: p, SessionRef: p, Status: storage.StatusActive, Priority: 1})
	}
	if got := tr.Eligible(context.Background(), 2); len(got) != 2 {
		t.Fatalf("want 2 accounts, got %d", len(got))
	}
}

func TestFloodWaitExcludesThenClears(t *testing.T) {
	t.Parallel()
	tr, store, now := testTracker(t)
	ctx := context.Background()
	id := enroll(t, tr, storage.Account{Phone: "+1", SessionRef: "a", Status: storage.StatusActive, Priority: 1})

	tr.MarkFloodWait(ctx, id, 30*time.Second)
	if got := tr.Eligible(ctx, 0); len(got) != 0 {
		t.Fatalf("flood-waited account must not be eligible, got %d", len(got))
	}

	*now = now.Add(31 * time.Second)
	got := tr.Eligible(ctx, 0)
	if len(got) != 1 || got[0].Status != storage.StatusActive {
		t.Fatalf("expired flood wait should clear to active, got %+v", got)
	}

	// The clear must be persisted, not just cached.
	accounts, err := store.LoadAccounts(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if accounts[0].Status != storage.StatusActive {
		t.Fatalf("persisted status = %s, want active", accounts[0].Status)
	}
}

func TestBannedIsTerminal(t *testing.T) {
	t.Parallel()
	tr, _, _ := testTracker(t)
	ctx := context.Background()
	id := enroll(t, tr, storage.Account{Phone: "+1", SessionRef: "a", Status: storage.StatusActive, Priority: 1})

	tr.MarkBanned(ctx, id, "@somewhere")
	if !tr.IsBanned(id) {
		t.Fatalf("account should be banned")
	}

	tr.MarkFloodWait(ctx, id, time.Second)
	tr.MarkInactive(ctx, id)
	if a, _ := tr.Get(id); a.Status != storage.StatusBanned {
		t.Fatalf("ban must be terminal, got %s", a.Status)
	}
	if got := tr.Eligible(ctx, 0); len(got) != 0 {
		t.Fatalf("banned account must never select")
	}
}

func TestBanWritesAudit(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	tr := New(store, logx.Nop(), nil)
	ctx := context.Background()
	id, _ := tr.Enroll(ctx, storage.Account{Phone: "+1", SessionRef: "a", Status: storage.StatusActive, Priority: 1})

	tr.MarkBanned(ctx, id, "@somewhere")

	n, err := store.PruneAudit(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 audit row for the ban, got %d", n)
	}
}

func TestInactiveExcluded(t *testing.T) {
	t.Parallel()
	tr, _, _ := testTracker(t)
	ctx := context.Background()
	id := enroll(t, tr, storage.Account{Phone: "+1", SessionRef: "a", Status: storage.StatusActive, Priority: 1})

	tr.MarkInactive(ctx, id)
	if got := tr.Eligible(ctx, 0); len(got) != 0 {
		t.Fatalf("inactive account must not select")
	}
}

func TestNoteFailureKeepsStatus(t *testing.T) {
	t.Parallel()
	tr, _, _ := testTracker(t)
	ctx := context.Background()
	id := enroll(t, tr, storage.Account{Phone: "+1", SessionRef: "a", Status: storage.StatusActive, Priority: 1})

	tr.NoteFailure(ctx, id)
	tr.NoteFailure(ctx, id)
	a, _ := tr.Get(id)
	if a.Status != storage.StatusActive {
		t.Fatalf("ordinary failures must not change status, got %s", a.Status)
	}
	if a.FailedAttempts != 2 {
		t.Fatalf("want 2 failed attempts, got %d", a.FailedAttempts)
	}
}

func TestSummaryCounts(t *testing.T) {
	t.Parallel()
	tr, _, _ := testTracker(t)
	ctx := context.Background()

	a := enroll(t, tr, storage.Account{Phone: "+1", SessionRef: "a", Status: storage.StatusActive, Priority: 1})
	enroll(t, tr, storage.Account{Phone: "+2", SessionRef: "b", Status: storage.StatusActive, Priority: 1})
	b := enroll(t, tr, storage.Account{Phone: "+3", SessionRef: "c", Status: storage.StatusActive, Priority: 1})

	tr.MarkBanned(ctx, a, "")
	tr.MarkFloodWait(ctx, b, time.Minute)

	sum := tr.Summary()
	if sum[storage.StatusActive] != 1 || sum[storage.StatusBanned] != 1 || sum[storage.StatusFloodWait] != 1 {
		t.Fatalf("unexpected summary: %v", sum)
	}
}

func TestTouchUpdatesLastUsed(t *testing.T) {
	t.Parallel()
	tr, _, now := testTracker(t)
	ctx := context.Background()
	id := enroll(t, tr, storage.Account{Phone: "+1", SessionRef: "a", Status: storage.StatusActive, Priority: 1})

	*now = now.Add(time.Minute)
	tr.Touch(ctx, id)
	a, _ := tr.Get(id)
	if !a.LastUsedAt.Equal(*now) {
		t.Fatalf("last used not updated: %v vs %v", a.LastUsedAt, *now)
	}
}
