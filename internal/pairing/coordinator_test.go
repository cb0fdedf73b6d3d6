package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"debatenow/internal/store"
	"debatenow/models"

	"github.com/jonboulle/clockwork"
)

func newCoordinator(t *testing.T) (*Coordinator, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(clockwork.NewRealClock())
	t.Cleanup(func() { s.Close(context.Background()) })
	c, err := NewCoordinator(s, Options{RescanInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c, s
}

func TestAssignRolesIsPureAndSymmetric(t *testing.T) {
	tests := []struct {
		a, b      string
		initiator string
	}{
		{"alice", "bob", "alice"},
		{"bob", "alice", "alice"},
		{"uid-9", "uid-10", "uid-10"},
		{"Zed", "adam", "Zed"},
	}
	for _, tt := range tests {
		ini1, rec1 := AssignRoles(tt.a, tt.b)
		ini2, rec2 := AssignRoles(tt.b, tt.a)
		if ini1 != ini2 || rec1 != rec2 {
			t.Errorf("AssignRoles(%q,%q) disagrees with swapped call", tt.a, tt.b)
		}
		if ini1 != tt.initiator {
			t.Errorf("AssignRoles(%q,%q): expected initiator %q, got %q", tt.a, tt.b, tt.initiator, ini1)
		}
	}
}

func TestMatchupsValidate(t *testing.T) {
	if err := DefaultMatchups().Validate(); err != nil {
		t.Errorf("default matchups: %v", err)
	}
	if err := (Matchups{"Kamala": "Trump"}).Validate(); err == nil {
		t.Error("expected asymmetric table to be rejected")
	}
	if err := (Matchups{}).Validate(); err == nil {
		t.Error("expected empty table to be rejected")
	}
}

func TestJoinKeepsOneEntryPerUser(t *testing.T) {
	c, s := newCoordinator(t)
	ctx := context.Background()

	first, err := c.Join(ctx, "alice", "Kamala", "Alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	second, err := c.Join(ctx, "alice", "Kamala", "Alice")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh entry id on rejoin")
	}
	pool, _ := s.ListWaiting(ctx, "Kamala")
	if len(pool) != 1 || pool[0].ID != second {
		t.Errorf("expected only the second entry to remain, got %+v", pool)
	}

	if _, err := c.Join(ctx, "alice", "Biden", "Alice"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	c, s := newCoordinator(t)
	ctx := context.Background()

	id, _ := c.Join(ctx, "alice", "Kamala", "Alice")
	for i := 0; i < 2; i++ {
		if err := c.Leave(ctx, "alice", id); err != nil {
			t.Fatalf("leave #%d: %v", i+1, err)
		}
	}
	if pool, _ := s.ListWaiting(ctx, "Kamala"); len(pool) != 0 {
		t.Errorf("expected empty pool, got %d entries", len(pool))
	}
}

func TestLeaveRefusesOtherUsersEntry(t *testing.T) {
	c, s := newCoordinator(t)
	ctx := context.Background()

	id, _ := c.Join(ctx, "alice", "Kamala", "Alice")
	if err := c.Leave(ctx, "mallory", id); !errors.Is(err, ErrNotEntryOwner) {
		t.Fatalf("expected ErrNotEntryOwner, got %v", err)
	}
	if pool, _ := s.ListWaiting(ctx, "Kamala"); len(pool) != 1 || pool[0].UserID != "alice" {
		t.Errorf("expected alice's entry to remain, got %+v", pool)
	}
}

func TestTryPairCreatesOneMatch(t *testing.T) {
	c, s := newCoordinator(t)
	ctx := context.Background()

	bID, _ := c.Join(ctx, "bob", "Kamala", "Bob")
	aID, _ := c.Join(ctx, "alice", "Trump", "Alice")

	bob := models.WaitingEntry{ID: bID, UserID: "bob", Role: "Kamala"}
	alice := models.WaitingEntry{ID: aID, UserID: "alice", Role: "Trump"}

	matchID, err := c.TryPair(ctx, bob, alice)
	if err != nil {
		t.Fatalf("try pair: %v", err)
	}
	m, err := s.GetMatch(ctx, matchID)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.InitiatorID != "alice" || m.ReceiverID != "bob" {
		t.Errorf("expected alice to initiate, got initiator=%s receiver=%s", m.InitiatorID, m.ReceiverID)
	}
	if m.InitiatorRole != "Trump" || m.ReceiverRole != "Kamala" {
		t.Errorf("roles not carried with seats: %+v", m)
	}
	if !m.Active || m.DebateStarted || m.DebateStageIndex != 0 {
		t.Errorf("unexpected initial match state: %+v", m)
	}

	// The losing side of the race sees its opponent consumed.
	if _, err := c.TryPair(ctx, alice, bob); !errors.Is(err, ErrAlreadyMatched) && !errors.Is(err, ErrEntryGone) {
		t.Errorf("expected a retryable loss, got %v", err)
	}
}

func TestTryPairRefusesSelf(t *testing.T) {
	c, _ := newCoordinator(t)
	e := models.WaitingEntry{ID: "x", UserID: "alice", Role: "Kamala"}
	if _, err := c.TryPair(context.Background(), e, e); !errors.Is(err, ErrSelfPair) {
		t.Errorf("expected ErrSelfPair, got %v", err)
	}
}

func TestTryPairRefusesSelfInsideTransaction(t *testing.T) {
	c, s := newCoordinator(t)
	ctx := context.Background()

	// Two entries of the same user written behind the coordinator's back.
	k, _ := s.AddWaiting(ctx, models.WaitingEntry{UserID: "alice", Role: "Kamala"})
	tr, _ := s.AddWaiting(ctx, models.WaitingEntry{UserID: "alice", Role: "Trump"})

	self := models.WaitingEntry{ID: k, UserID: "alice", Role: "Kamala"}
	forged := models.WaitingEntry{ID: tr, UserID: "mallory", Role: "Trump"}
	if _, err := c.TryPair(ctx, self, forged); !errors.Is(err, ErrSelfPair) {
		t.Errorf("expected ErrSelfPair from the transactional re-check, got %v", err)
	}
}

func TestTryPairEntryGone(t *testing.T) {
	c, _ := newCoordinator(t)
	ctx := context.Background()

	aID, _ := c.Join(ctx, "alice", "Kamala", "Alice")
	bID, _ := c.Join(ctx, "bob", "Trump", "Bob")
	c.Leave(ctx, "bob", bID)

	_, err := c.TryPair(ctx,
		models.WaitingEntry{ID: aID, UserID: "alice", Role: "Kamala"},
		models.WaitingEntry{ID: bID, UserID: "bob", Role: "Trump"})
	if !errors.Is(err, ErrEntryGone) {
		t.Errorf("expected ErrEntryGone, got %v", err)
	}
}

func TestWatchForOpponentDiscoversForeignPairing(t *testing.T) {
	c, s := newCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aID, _ := c.Join(ctx, "alice", "Kamala", "Alice")

	found := make(chan string, 1)
	go func() {
		id, err := c.WatchForOpponent(ctx, "alice", "Kamala", aID)
		if err != nil {
			t.Errorf("watch: %v", err)
		}
		found <- id
	}()

	// Bob pairs from his side without ever running a watch.
	other, err := NewCoordinator(s, Options{})
	if err != nil {
		t.Fatal(err)
	}
	bID, _ := other.Join(ctx, "bob", "Trump", "Bob")
	matchID, err := other.TryPair(ctx,
		models.WaitingEntry{ID: bID, UserID: "bob", Role: "Trump"},
		models.WaitingEntry{ID: aID, UserID: "alice", Role: "Kamala"})
	if err != nil && !retryable(err) {
		t.Fatalf("bob try pair: %v", err)
	}

	got := <-found
	if matchID != "" && got != matchID {
		t.Errorf("expected alice to discover %s, got %s", matchID, got)
	}
	if active, _ := s.ActiveMatchesFor(ctx, "alice"); len(active) != 1 || active[0].ID != got {
		t.Errorf("expected alice in exactly match %s, got %+v", got, active)
	}
}

func TestConcurrentPairingNeverDoublePairs(t *testing.T) {
	c, s := newCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type user struct{ id, role string }
	var users []user
	for i := 0; i < 4; i++ {
		users = append(users, user{fmt.Sprintf("k%d", i), "Kamala"}, user{fmt.Sprintf("t%d", i), "Trump"})
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]string)
	)
	for _, u := range users {
		entryID, err := c.Join(ctx, u.id, u.role, u.id)
		if err != nil {
			t.Fatalf("join %s: %v", u.id, err)
		}
		wg.Add(1)
		go func(u user, entryID string) {
			defer wg.Done()
			matchID, err := c.WatchForOpponent(ctx, u.id, u.role, entryID)
			if err != nil {
				t.Errorf("%s: %v", u.id, err)
				return
			}
			mu.Lock()
			results[u.id] = matchID
			mu.Unlock()
		}(u, entryID)
	}
	wg.Wait()

	perMatch := make(map[string][]string)
	for uid, mid := range results {
		perMatch[mid] = append(perMatch[mid], uid)
	}
	if len(perMatch) != 4 {
		t.Fatalf("expected 4 matches, got %d: %v", len(perMatch), perMatch)
	}
	for mid, uids := range perMatch {
		if len(uids) != 2 {
			t.Errorf("match %s resolved for %v, expected exactly two users", mid, uids)
		}
		m, err := s.GetMatch(ctx, mid)
		if err != nil {
			t.Fatalf("get match %s: %v", mid, err)
		}
		if m.InitiatorRole == m.ReceiverRole {
			t.Errorf("match %s pairs the same role", mid)
		}
		if m.InitiatorID >= m.ReceiverID {
			t.Errorf("match %s: initiator %s is not the smaller id", mid, m.InitiatorID)
		}
	}
	for _, u := range users {
		active, _ := s.ActiveMatchesFor(ctx, u.id)
		if len(active) != 1 {
			t.Errorf("%s seated in %d active matches", u.id, len(active))
		}
	}
}

func TestSweepClosesStaleState(t *testing.T) {
	c, s := newCoordinator(t)
	ctx := context.Background()

	aID, _ := c.Join(ctx, "alice", "Kamala", "Alice")
	bID, _ := c.Join(ctx, "bob", "Trump", "Bob")
	matchID, err := c.TryPair(ctx,
		models.WaitingEntry{ID: aID, UserID: "alice", Role: "Kamala"},
		models.WaitingEntry{ID: bID, UserID: "bob", Role: "Trump"})
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	// Alice crashed and came back with a leftover pool entry.
	s.AddWaiting(ctx, models.WaitingEntry{UserID: "alice", Role: "Kamala"})

	res, err := c.Sweep(ctx, "alice")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.EntriesRemoved != 1 || len(res.MatchesClosed) != 1 || res.MatchesClosed[0] != matchID {
		t.Errorf("unexpected sweep result %+v", res)
	}
	m, _ := s.GetMatch(ctx, matchID)
	if m.Active || !m.CleanedUp || m.EndedAt == nil {
		t.Errorf("expected stale match closed and marked cleaned up, got %+v", m)
	}
}
