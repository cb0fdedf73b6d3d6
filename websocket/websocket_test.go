package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"debatenow/internal/pairing"
	"debatenow/internal/store"
	"debatenow/middlewares"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func newServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := store.NewMemoryStore(clockwork.NewRealClock())
	t.Cleanup(func() { s.Close(context.Background()) })
	coord, err := pairing.NewCoordinator(s, pairing.Options{RescanInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(middlewares.UserIDKey, c.Query("as"))
		c.Set(middlewares.DisplayNameKey, strings.ToUpper(c.Query("as")))
		c.Next()
	})
	router.GET("/ws/matchmaking", MatchmakingHandler(coord, zerolog.Nop()))
	router.GET("/ws/matches/:id", MatchHandler(s, zerolog.Nop()))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, s
}

func dial(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMatchmaking(t *testing.T, conn *websocket.Conn, want string) MatchmakingMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg MatchmakingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
		if msg.Type == "error" {
			t.Fatalf("waiting for %s: got error %q", want, msg.Error)
		}
	}
}

func TestMatchmakingPairsTwoSockets(t *testing.T) {
	srv, s := newServer(t)

	alice, _, err := dial(t, srv, "/ws/matchmaking?as=alice")
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()
	bob, _, err := dial(t, srv, "/ws/matchmaking?as=bob")
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()

	if err := alice.WriteJSON(MatchmakingMessage{Type: "join_pool", Role: "Kamala"}); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	readMatchmaking(t, alice, "matchmaking_started")
	if err := bob.WriteJSON(MatchmakingMessage{Type: "join_pool", Role: "Trump"}); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	a := readMatchmaking(t, alice, "match_found")
	b := readMatchmaking(t, bob, "match_found")
	if a.MatchID == "" || a.MatchID != b.MatchID {
		t.Fatalf("expected one shared match, got %q and %q", a.MatchID, b.MatchID)
	}
	m, err := s.GetMatch(context.Background(), a.MatchID)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.InitiatorName != "ALICE" && m.ReceiverName != "ALICE" {
		t.Errorf("expected the display name from the token, got %+v", m)
	}
}

func TestMatchmakingLeavesPoolOnClose(t *testing.T) {
	srv, s := newServer(t)

	alice, _, err := dial(t, srv, "/ws/matchmaking?as=alice")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := alice.WriteJSON(MatchmakingMessage{Type: "join_pool", Role: "Kamala"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	readMatchmaking(t, alice, "matchmaking_started")
	alice.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pool, _ := s.ListWaiting(context.Background(), "Kamala")
		if len(pool) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the entry to leave the pool when the socket closed")
}

func TestMatchmakingRejectsUnknownRole(t *testing.T) {
	srv, _ := newServer(t)

	conn, _, err := dial(t, srv, "/ws/matchmaking?as=alice")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(MatchmakingMessage{Type: "join_pool", Role: "Nobody"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg MatchmakingMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "error" {
		t.Errorf("expected an error message, got %+v", msg)
	}
}

func pairedMatch(t *testing.T, s *store.MemoryStore) string {
	t.Helper()
	ctx := context.Background()
	coord, err := pairing.NewCoordinator(s, pairing.Options{})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	aID, err := coord.Join(ctx, "alice", "Kamala", "Alice")
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	bID, err := coord.Join(ctx, "bob", "Trump", "Bob")
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}
	aPool, _ := s.ListWaiting(ctx, "Kamala")
	bPool, _ := s.ListWaiting(ctx, "Trump")
	if len(aPool) != 1 || len(bPool) != 1 || aPool[0].ID != aID || bPool[0].ID != bID {
		t.Fatalf("unexpected pool %+v %+v", aPool, bPool)
	}
	matchID, err := coord.TryPair(ctx, aPool[0], bPool[0])
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	return matchID
}

func TestMatchFeedStreamsUntilClosed(t *testing.T) {
	srv, s := newServer(t)
	matchID := pairedMatch(t, s)

	conn, _, err := dial(t, srv, "/ws/matches/"+matchID+"?as=bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first MatchMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Match == nil || first.Match.ID != matchID || !first.Match.Active {
		t.Fatalf("expected the active snapshot first, got %+v", first)
	}

	if err := s.UpdateMatch(context.Background(), matchID, store.MatchUpdate{Active: store.Bool(false)}); err != nil {
		t.Fatalf("close match: %v", err)
	}
	for {
		var msg MatchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("expected the closing snapshot before the socket closed: %v", err)
		}
		if !msg.Match.Active {
			break
		}
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected a normal close after the final snapshot, got %v", err)
	}
}

func TestMatchFeedRefusesStranger(t *testing.T) {
	srv, s := newServer(t)
	matchID := pairedMatch(t, s)

	_, resp, err := dial(t, srv, "/ws/matches/"+matchID+"?as=mallory")
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %+v", resp)
	}
}
