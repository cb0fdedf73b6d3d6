package disconnect

import (
	"context"
	"errors"
	"testing"
	"time"

	"debatenow/internal/apperrors"
	"debatenow/internal/events"
	"debatenow/internal/signaling"
	"debatenow/internal/stats"
	"debatenow/internal/store"
	"debatenow/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type fixture struct {
	clock  *clockwork.FakeClock
	store  *store.MemoryStore
	id     string
	sink   *stats.MemorySink
	events *events.MemoryPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clockwork.NewFakeClock(),
		sink:   stats.NewMemorySink(),
		events: &events.MemoryPublisher{},
	}
	f.store = store.NewMemoryStore(f.clock)
	t.Cleanup(func() { f.store.Close(context.Background()) })
	err := f.store.RunTransaction(context.Background(), func(tx store.Tx) error {
		var err error
		f.id, err = tx.CreateMatch(&models.Match{InitiatorID: "alice", ReceiverID: "bob", Active: true})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) monitor(userID string) *Monitor {
	return NewMonitor(f.store, f.id, userID, Options{
		Clock:  f.clock,
		Stats:  f.sink,
		Events: f.events,
		Logger: zerolog.Nop(),
	})
}

func (f *fixture) match(t *testing.T) *models.Match {
	t.Helper()
	m, err := f.store.GetMatch(context.Background(), f.id)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRecoveryWithinGraceKeepsMatchActive(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := f.monitor("bob")
	states := make(chan signaling.LinkState)
	go m.Run(ctx, states)

	states <- signaling.LinkConnected
	states <- signaling.LinkDisconnected
	eventually(t, "grace timer", m.Gracing)

	f.clock.Advance(10 * time.Second)
	states <- signaling.LinkConnected
	eventually(t, "timer cancelled", func() bool { return !m.Gracing() })

	f.clock.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	match := f.match(t)
	if !match.Active || match.DisconnectedUserID != "" {
		t.Errorf("expected an untouched active match, got active=%v disconnected=%q", match.Active, match.DisconnectedUserID)
	}
	if len(f.sink.Outcomes()) != 0 {
		t.Errorf("stats recorded for a recovered link: %+v", f.sink.Outcomes())
	}
}

func TestExpiryForfeitsAgainstOpponent(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := f.monitor("bob")
	states := make(chan signaling.LinkState)
	go m.Run(ctx, states)

	states <- signaling.LinkFailed
	eventually(t, "grace timer", m.Gracing)
	f.clock.Advance(DefaultGrace)

	eventually(t, "forfeit", func() bool { return !f.match(t).Active })
	match := f.match(t)
	if match.DisconnectedUserID != "alice" || match.DisconnectionReason != models.ReasonForfeit || match.EndedAt == nil {
		t.Errorf("unexpected forfeit record %+v", match)
	}
	eventually(t, "stats", func() bool { return len(f.sink.Outcomes()) == 2 })
	if bob, alice := f.sink.Get("bob"), f.sink.Get("alice"); bob.Wins != 1 || alice.Losses != 1 {
		t.Errorf("expected bob 1 win and alice 1 loss, got %+v / %+v", bob, alice)
	}
	eventually(t, "event", func() bool { return len(f.events.Published()) == 1 })
	if o := f.events.Published()[0]; o.Kind != events.KindForfeit || o.WinnerID != "bob" || o.LoserID != "alice" {
		t.Errorf("unexpected outcome %+v", o)
	}
}

func TestEndCallRacingExpiryClosesOnce(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots, err := f.store.WatchMatch(ctx, f.id)
	if err != nil {
		t.Fatal(err)
	}

	bob := f.monitor("bob")
	states := make(chan signaling.LinkState)
	go bob.Run(ctx, states)
	states <- signaling.LinkDisconnected
	eventually(t, "grace timer", bob.Gracing)

	alice := f.monitor("alice")
	endErr := make(chan error, 1)
	go func() { endErr <- alice.EndCall(ctx) }()
	f.clock.Advance(DefaultGrace)

	if err := <-endErr; err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	eventually(t, "match closed", func() bool { return !f.match(t).Active })
	time.Sleep(50 * time.Millisecond)

	inactive := 0
	for drained := false; !drained; {
		select {
		case m := <-snapshots:
			if !m.Active {
				inactive++
			}
		case <-time.After(50 * time.Millisecond):
			drained = true
		}
	}
	if inactive != 1 {
		t.Errorf("active=false written %d times, want 1", inactive)
	}
	if got := f.sink.Outcomes(); len(got) != 2 {
		t.Errorf("expected one recorded result, got %+v", got)
	}
	if got := f.events.Published(); len(got) != 1 {
		t.Errorf("expected one outcome event, got %+v", got)
	}
}

func TestSecondCloseIsANoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := Close(ctx, f.store, f.id, "alice", models.ReasonVoluntaryDisconnect); err != nil {
		t.Fatal(err)
	}
	_, err := Close(ctx, f.store, f.id, "bob", models.ReasonForfeit)
	if !errors.Is(err, ErrAlreadyInactive) {
		t.Fatalf("expected ErrAlreadyInactive, got %v", err)
	}
	if got := f.match(t).DisconnectedUserID; got != "alice" {
		t.Errorf("first writer overwritten, disconnectedUserId = %q", got)
	}
}

func TestEndCallAfterDebateEndedRecordsNoResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.UpdateMatch(ctx, f.id, store.MatchUpdate{DebateEnded: store.Bool(true)}); err != nil {
		t.Fatal(err)
	}
	if err := f.monitor("alice").EndCall(ctx); err != nil {
		t.Fatal(err)
	}
	if f.match(t).Active {
		t.Error("match still active")
	}
	if got := f.sink.Outcomes(); len(got) != 0 {
		t.Errorf("ended debate should be left to the judge, got %+v", got)
	}
}

func TestNoGraceOnceDebateEnded(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.store.UpdateMatch(ctx, f.id, store.MatchUpdate{DebateEnded: store.Bool(true)}); err != nil {
		t.Fatal(err)
	}

	m := f.monitor("bob")
	states := make(chan signaling.LinkState, 1)
	go m.Run(ctx, states)
	time.Sleep(20 * time.Millisecond)
	states <- signaling.LinkClosed
	time.Sleep(20 * time.Millisecond)
	if m.Gracing() {
		t.Error("grace timer started after the debate ended")
	}
}

func TestCheckRejoin(t *testing.T) {
	tests := []struct {
		name  string
		match models.Match
		user  string
		want  error
	}{
		{"active", models.Match{Active: true}, "alice", nil},
		{"you left", models.Match{DisconnectedUserID: "alice"}, "alice", ErrYouDisconnected},
		{"opponent left", models.Match{DisconnectedUserID: "bob"}, "alice", ErrOpponentForfeited},
		{"ended", models.Match{}, "alice", ErrMatchEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckRejoin(&tt.match, tt.user)
			if !errors.Is(err, tt.want) {
				t.Fatalf("CheckRejoin = %v, want %v", err, tt.want)
			}
			if err != nil && !apperrors.Is(err, apperrors.KindTerminal) {
				t.Errorf("refusal should be terminal: %v", err)
			}
		})
	}
	if got := ErrOpponentForfeited.UserMessage(); got != "Your opponent has disconnected. You win by forfeit." {
		t.Errorf("forfeit message = %q", got)
	}
}
