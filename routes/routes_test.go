package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"debatenow/config"
	"debatenow/internal/events"
	"debatenow/internal/pairing"
	"debatenow/internal/stats"
	"debatenow/internal/store"
	"debatenow/models"
	"debatenow/utils"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type fixture struct {
	router *gin.Engine
	store  *store.MemoryStore
	sink   *stats.MemorySink
	events *events.MemoryPublisher
	coord  *pairing.Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	utils.SetJWTSecret("routes-test-secret")

	s := store.NewMemoryStore(clockwork.NewRealClock())
	t.Cleanup(func() { s.Close(context.Background()) })
	coord, err := pairing.NewCoordinator(s, pairing.Options{})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	sink := stats.NewMemorySink()
	pub := &events.MemoryPublisher{}
	router := SetupRouter(config.Default(), &Deps{
		Store:       s,
		Pairing:     coord,
		Stats:       sink,
		Leaderboard: sink,
		Events:      pub,
		Logger:      zerolog.Nop(),
	})
	return &fixture{router: router, store: s, sink: sink, events: pub, coord: coord}
}

func (f *fixture) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := utils.GenerateJWTToken(userID, userID+" name", time.Hour)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) pair(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	if _, err := f.coord.Join(ctx, "alice", "Kamala", "Alice"); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if _, err := f.coord.Join(ctx, "bob", "Trump", "Bob"); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	a, _ := f.store.ListWaiting(ctx, "Kamala")
	b, _ := f.store.ListWaiting(ctx, "Trump")
	id, err := f.coord.TryPair(ctx, a[0], b[0])
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	return id
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestQueueRequiresToken(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/queue", "", map[string]string{"role": "Kamala"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestJoinAndLeaveQueue(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/queue", "alice", map[string]string{"role": "Kamala"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}
	resp := decode[map[string]string](t, w)
	if resp["opponentRole"] != "Trump" || resp["entryId"] == "" {
		t.Errorf("unexpected join response %+v", resp)
	}
	pool, _ := f.store.ListWaiting(context.Background(), "Kamala")
	if len(pool) != 1 || pool[0].DisplayName != "alice name" {
		t.Errorf("expected the token display name in the pool, got %+v", pool)
	}

	if w := f.do(t, http.MethodDelete, "/queue/"+resp["entryId"], "alice", nil); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	pool, _ = f.store.ListWaiting(context.Background(), "Kamala")
	if len(pool) != 0 {
		t.Errorf("expected an empty pool, got %+v", pool)
	}
}

func TestLeaveQueueRefusesOtherUsers(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/queue", "alice", map[string]string{"role": "Kamala"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}
	entryID := decode[map[string]string](t, w)["entryId"]

	if w := f.do(t, http.MethodDelete, "/queue/"+entryID, "mallory", nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another user's entry, got %d", w.Code)
	}
	pool, _ := f.store.ListWaiting(context.Background(), "Kamala")
	if len(pool) != 1 || pool[0].ID != entryID {
		t.Errorf("expected alice's entry to remain, got %+v", pool)
	}
}

func TestJoinUnknownRole(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/queue", "alice", map[string]string{"role": "Nobody"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSweepClosesLeftoverMatch(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)

	w := f.do(t, http.MethodPost, "/queue/sweep", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	res := decode[pairing.SweepResult](t, w)
	if len(res.MatchesClosed) != 1 || res.MatchesClosed[0] != id {
		t.Errorf("expected %s to be closed, got %+v", id, res)
	}
}

func TestGetMatch(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)

	w := f.do(t, http.MethodGet, "/matches/"+id, "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[matchResponse](t, w)
	if resp.Party != models.PartyReceiver || resp.Match.ID != id {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Stage != nil {
		t.Errorf("expected no stage before the debate starts, got %+v", resp.Stage)
	}

	if w := f.do(t, http.MethodGet, "/matches/"+id, "mallory", nil); w.Code != http.StatusForbidden {
		t.Errorf("stranger: expected 403, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/matches/missing", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", w.Code)
	}
}

func TestGetMatchReportsStageClock(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)
	err := f.store.UpdateMatch(context.Background(), id, store.MatchUpdate{
		DebateStarted:    store.Bool(true),
		DebateStageIndex: store.Int(2),
		StageStartNow:    true,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	resp := decode[matchResponse](t, f.do(t, http.MethodGet, "/matches/"+id, "alice", nil))
	if resp.Stage == nil || resp.Stage.Index != 2 {
		t.Fatalf("expected stage 2, got %+v", resp.Stage)
	}
	if resp.Stage.RemainingMs <= 0 || resp.Stage.RemainingMs > (300*time.Second).Milliseconds() {
		t.Errorf("unexpected remaining time %d", resp.Stage.RemainingMs)
	}
}

func TestEndMatchForfeitsCaller(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)

	w := f.do(t, http.MethodPost, "/matches/"+id+"/end", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	m, err := f.store.GetMatch(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.Active || m.DisconnectedUserID != "alice" {
		t.Errorf("expected alice to have left an inactive match, got %+v", m)
	}
	if got := f.sink.Get("bob"); got.Wins != 1 {
		t.Errorf("expected bob to be credited, got %+v", got)
	}
	if pub := f.events.Published(); len(pub) != 1 || pub[0].Kind != events.KindForfeit {
		t.Errorf("expected one forfeit event, got %+v", pub)
	}

	// Ending twice is harmless.
	if w := f.do(t, http.MethodPost, "/matches/"+id+"/end", "bob", nil); w.Code != http.StatusOK {
		t.Errorf("second end: expected 200, got %d", w.Code)
	}
	if got := f.sink.Get("alice"); got.Wins != 0 || got.Losses != 1 {
		t.Errorf("expected a single loss for alice, got %+v", got)
	}
}

func TestJudgeUnavailableWithoutOracle(t *testing.T) {
	f := newFixture(t)
	id := f.pair(t)
	if w := f.do(t, http.MethodPost, "/matches/"+id+"/judge", "alice", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestLeaderboard(t *testing.T) {
	f := newFixture(t)
	if err := stats.RecordResult(context.Background(), f.sink, "alice", "bob", time.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}

	w := f.do(t, http.MethodGet, "/leaderboard?limit=10", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[struct {
		Entries []models.UserStats `json:"entries"`
	}](t, w)
	if len(resp.Entries) != 2 || resp.Entries[0].UserID != "alice" {
		t.Errorf("expected alice on top, got %+v", resp.Entries)
	}

	if w := f.do(t, http.MethodGet, "/leaderboard?limit=0", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad limit, got %d", w.Code)
	}
}

func TestRespondErrorMapsNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, errors.Join(errors.New("lookup"), store.ErrNotFound))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
