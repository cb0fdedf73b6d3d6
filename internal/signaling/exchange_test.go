package signaling

import (
	"context"
	"strings"
	"testing"
	"time"

	"debatenow/internal/store"
	"debatenow/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func setupMatch(t *testing.T) (*store.MemoryStore, string) {
	t.Helper()
	s := store.NewMemoryStore(clockwork.NewRealClock())
	t.Cleanup(func() { s.Close(context.Background()) })
	var id string
	err := s.RunTransaction(context.Background(), func(tx store.Tx) error {
		var err error
		id, err = tx.CreateMatch(&models.Match{InitiatorID: "alice", ReceiverID: "bob", Active: true})
		return err
	})
	if err != nil {
		t.Fatalf("create match: %v", err)
	}
	return s, id
}

func waitConnected(t *testing.T, p *MemoryPeer) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-p.States():
			if st == LinkConnected {
				return
			}
		case <-deadline:
			t.Fatalf("peer never reported connected")
		}
	}
}

func runExchange(ctx context.Context, t *testing.T, x *Exchange) <-chan error {
	done := make(chan error, 1)
	go func() { done <- x.Run(ctx) }()
	return done
}

func TestOffererAndAnswererConnect(t *testing.T) {
	s, matchID := setupMatch(t)
	ctx, cancel := context.WithCancel(context.Background())

	offerer := NewMemoryPeer("alice", "a1", "a2")
	answerer := NewMemoryPeer("bob", "b1")
	d1 := runExchange(ctx, t, NewExchange(s, offerer, matchID, models.PartyInitiator, zerolog.Nop()))
	d2 := runExchange(ctx, t, NewExchange(s, answerer, matchID, models.PartyReceiver, zerolog.Nop()))

	waitConnected(t, offerer)
	waitConnected(t, answerer)

	m, _ := s.GetMatch(ctx, matchID)
	if m.Offer == nil || m.Offer.Type != "offer" || m.Answer == nil || m.Answer.Type != "answer" {
		t.Fatalf("expected offer and answer on the match, got %+v / %+v", m.Offer, m.Answer)
	}
	if got := answerer.RemoteDescription(); got == nil || *got != *m.Offer {
		t.Errorf("answerer applied %+v, stored offer %+v", got, m.Offer)
	}
	if got := offerer.RemoteDescription(); got == nil || *got != *m.Answer {
		t.Errorf("offerer applied %+v, stored answer %+v", got, m.Answer)
	}

	cancel()
	for _, d := range []<-chan error{d1, d2} {
		if err := <-d; err != nil {
			t.Errorf("exchange returned %v", err)
		}
	}
}

func TestAnswererKeepsWatchingForLateOffer(t *testing.T) {
	s, matchID := setupMatch(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	answerer := NewMemoryPeer("bob", "b1")
	runExchange(ctx, t, NewExchange(s, answerer, matchID, models.PartyReceiver, zerolog.Nop()))

	time.Sleep(50 * time.Millisecond)
	if answerer.HasRemoteDescription() {
		t.Fatal("answerer applied an offer that was never written")
	}

	offerer := NewMemoryPeer("alice", "a1")
	runExchange(ctx, t, NewExchange(s, offerer, matchID, models.PartyInitiator, zerolog.Nop()))
	waitConnected(t, answerer)
}

func TestOffererAppliesOnlyFirstAnswer(t *testing.T) {
	s, matchID := setupMatch(t)
	ctx, cancel := context.WithCancel(context.Background())

	offerer := NewMemoryPeer("alice", "a1")
	answerer := NewMemoryPeer("bob", "b1")
	done := runExchange(ctx, t, NewExchange(s, offerer, matchID, models.PartyInitiator, zerolog.Nop()))
	runExchange(ctx, t, NewExchange(s, answerer, matchID, models.PartyReceiver, zerolog.Nop()))
	waitConnected(t, offerer)
	first := *offerer.RemoteDescription()

	s.UpdateMatch(ctx, matchID, store.MatchUpdate{Answer: &models.SessionDescription{Type: "answer", SDP: "v=0\r\no=impostor\r\n"}})
	time.Sleep(50 * time.Millisecond)

	if got := *offerer.RemoteDescription(); got != first {
		t.Errorf("remote description replaced: %+v", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("offerer returned %v", err)
	}
}

func TestAnswerIsWrittenOncePerOffer(t *testing.T) {
	s, matchID := setupMatch(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	offer := models.SessionDescription{Type: "offer", SDP: "v=0", Generation: 1}
	if err := s.UpdateMatch(ctx, matchID, store.MatchUpdate{Offer: &offer}); err != nil {
		t.Fatal(err)
	}
	x1 := NewExchange(s, NewMemoryPeer("bob-tab-1"), matchID, models.PartyReceiver, zerolog.Nop())
	x2 := NewExchange(s, NewMemoryPeer("bob-tab-2"), matchID, models.PartyReceiver, zerolog.Nop())

	if written, err := x1.answerOffer(ctx, offer); err != nil || !written {
		t.Fatalf("first answer: written=%v err=%v", written, err)
	}
	if written, err := x2.answerOffer(ctx, offer); err != nil || written {
		t.Fatalf("second answer: written=%v err=%v", written, err)
	}
	m, _ := s.GetMatch(ctx, matchID)
	if m.Answer == nil || !strings.Contains(m.Answer.SDP, "bob-tab-1") {
		t.Errorf("expected the first answer to stick, got %+v", m.Answer)
	}
	if m.Answer != nil && m.Answer.Generation != 1 {
		t.Errorf("expected the answer tagged with generation 1, got %d", m.Answer.Generation)
	}
}

func TestAnswerToReplacedOfferIsDropped(t *testing.T) {
	s, matchID := setupMatch(t)
	ctx := context.Background()

	stale := models.SessionDescription{Type: "offer", SDP: "v=0", Generation: 1}
	current := models.SessionDescription{Type: "offer", SDP: "v=0", Generation: 2}
	if err := s.UpdateMatch(ctx, matchID, store.MatchUpdate{Offer: &current}); err != nil {
		t.Fatal(err)
	}
	x := NewExchange(s, NewMemoryPeer("bob"), matchID, models.PartyReceiver, zerolog.Nop())
	if written, err := x.answerOffer(ctx, stale); err != nil || written {
		t.Fatalf("answer to stale offer: written=%v err=%v", written, err)
	}
	if m, _ := s.GetMatch(ctx, matchID); m.Answer != nil {
		t.Errorf("expected no answer stored, got %+v", m.Answer)
	}
}

func TestRejoiningInitiatorRenegotiates(t *testing.T) {
	s, matchID := setupMatch(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceCtx, dropAlice := context.WithCancel(ctx)
	first := NewMemoryPeer("alice", "a1")
	bob := NewMemoryPeer("bob", "b1")
	gone := runExchange(aliceCtx, t, NewExchange(s, first, matchID, models.PartyInitiator, zerolog.Nop()))
	runExchange(ctx, t, NewExchange(s, bob, matchID, models.PartyReceiver, zerolog.Nop()))
	waitConnected(t, first)
	waitConnected(t, bob)

	// Alice's tab reloads: the old connection is gone and a new one joins.
	dropAlice()
	<-gone
	rejoined := NewMemoryPeer("alice-rejoin", "a2")
	runExchange(ctx, t, NewExchange(s, rejoined, matchID, models.PartyInitiator, zerolog.Nop()))
	waitConnected(t, rejoined)
	waitConnected(t, bob)

	m, _ := s.GetMatch(ctx, matchID)
	if m.Offer == nil || !strings.Contains(m.Offer.SDP, "alice-rejoin") || m.Offer.Generation != 2 {
		t.Fatalf("expected the rejoined offer as generation 2, got %+v", m.Offer)
	}
	if m.Answer == nil || m.Answer.Generation != m.Offer.Generation {
		t.Fatalf("expected an answer to the current offer, got %+v", m.Answer)
	}
	if got := bob.RemoteDescription(); got == nil || *got != *m.Offer {
		t.Errorf("bob applied %+v, current offer %+v", got, m.Offer)
	}
	if got := rejoined.RemoteDescription(); got == nil || *got != *m.Answer {
		t.Errorf("rejoined initiator applied %+v, current answer %+v", got, m.Answer)
	}
	if bob.Resets() != 1 {
		t.Errorf("expected bob to renegotiate once, got %d", bob.Resets())
	}
}

func TestRejoiningReceiverRequestsFreshOffer(t *testing.T) {
	s, matchID := setupMatch(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := NewMemoryPeer("alice", "a1")
	first := NewMemoryPeer("bob", "b1")
	bobCtx, dropBob := context.WithCancel(ctx)
	runExchange(ctx, t, NewExchange(s, alice, matchID, models.PartyInitiator, zerolog.Nop()))
	gone := runExchange(bobCtx, t, NewExchange(s, first, matchID, models.PartyReceiver, zerolog.Nop()))
	waitConnected(t, alice)
	waitConnected(t, first)

	dropBob()
	<-gone
	rejoined := NewMemoryPeer("bob-rejoin", "b2")
	runExchange(ctx, t, NewExchange(s, rejoined, matchID, models.PartyReceiver, zerolog.Nop()))
	waitConnected(t, rejoined)
	waitConnected(t, alice)

	m, _ := s.GetMatch(ctx, matchID)
	if m.Offer == nil || m.Offer.Generation != 2 {
		t.Fatalf("expected a fresh offer as generation 2, got %+v", m.Offer)
	}
	if m.Answer == nil || !strings.Contains(m.Answer.SDP, "bob-rejoin") || m.Answer.Generation != 2 {
		t.Fatalf("expected the rejoined answer to generation 2, got %+v", m.Answer)
	}
	if got := alice.RemoteDescription(); got == nil || *got != *m.Answer {
		t.Errorf("alice applied %+v, current answer %+v", got, m.Answer)
	}
	if got := rejoined.RemoteDescription(); got == nil || *got != *m.Offer {
		t.Errorf("rejoined receiver applied %+v, current offer %+v", got, m.Offer)
	}
}

func TestRejectedCandidateDoesNotStopOthers(t *testing.T) {
	s, matchID := setupMatch(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	offerer := NewMemoryPeer("alice", "bad", "good")
	answerer := NewMemoryPeer("bob", "b1")
	answerer.RejectCandidate = func(c string) bool { return c == "bad" }

	runExchange(ctx, t, NewExchange(s, offerer, matchID, models.PartyInitiator, zerolog.Nop()))
	runExchange(ctx, t, NewExchange(s, answerer, matchID, models.PartyReceiver, zerolog.Nop()))
	waitConnected(t, answerer)

	applied := answerer.Applied()
	if len(applied) != 1 || applied[0] != "good" {
		t.Errorf("expected only the good candidate applied, got %v", applied)
	}
}

func TestRetryICEReappliesEveryRecord(t *testing.T) {
	s, matchID := setupMatch(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	offerer := NewMemoryPeer("alice", "a1", "a2", "stale")
	answerer := NewMemoryPeer("bob", "b1")
	answerer.RejectCandidate = func(c string) bool { return c == "stale" }

	runExchange(ctx, t, NewExchange(s, offerer, matchID, models.PartyInitiator, zerolog.Nop()))
	x := NewExchange(s, answerer, matchID, models.PartyReceiver, zerolog.Nop())
	runExchange(ctx, t, x)
	waitConnected(t, answerer)
	for deadline := time.Now().Add(3 * time.Second); ; {
		recs, _ := s.ListCandidates(ctx, matchID, models.CandidateOfferer)
		if len(recs) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("offerer published %d candidates, expected 3", len(recs))
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 2; i++ {
		report, err := x.RetryICE(ctx)
		if err != nil {
			t.Fatalf("retry #%d: %v", i+1, err)
		}
		if report.Applied != 2 || report.Failed != 1 {
			t.Errorf("retry #%d: expected 2 applied and 1 failed, got %+v", i+1, report)
		}
	}
}
