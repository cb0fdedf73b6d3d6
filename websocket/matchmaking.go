package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"debatenow/internal/pairing"
	"debatenow/middlewares"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MatchmakingMessage is exchanged on the matchmaking socket.
type MatchmakingMessage struct {
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	EntryID     string `json:"entryId,omitempty"`
	MatchID     string `json:"matchId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// MatchmakingClient is one user waiting through the matchmaking socket.
type MatchmakingClient struct {
	conn        *websocket.Conn
	coord       *pairing.Coordinator
	userID      string
	displayName string
	send        chan MatchmakingMessage
	log         zerolog.Logger

	mu      sync.Mutex
	entryID string
	cancel  context.CancelFunc
}

// MatchmakingHandler runs the pairing coordinator on behalf of a browser.
// The client sends join_pool and leave_pool; the server answers with
// matchmaking_started, match_found, matchmaking_stopped or error.
func MatchmakingHandler(coord *pairing.Coordinator, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middlewares.UserID(c)
		if userID == "" {
			c.String(http.StatusUnauthorized, "No user")
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &MatchmakingClient{
			conn:        conn,
			coord:       coord,
			userID:      userID,
			displayName: middlewares.DisplayName(c),
			send:        make(chan MatchmakingMessage, 16),
			log:         logger.With().Str("component", "ws_matchmaking").Str("user_id", userID).Logger(),
		}
		ctx, cancel := context.WithCancel(context.Background())
		go client.writePump(ctx)
		go func() {
			client.readPump(ctx)
			cancel()
		}()
	}
}

func (c *MatchmakingClient) readPump(ctx context.Context) {
	defer func() {
		c.stopWaiting(true)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("Matchmaking socket closed")
			}
			return
		}
		var msg MatchmakingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "join_pool":
			c.join(ctx, msg)
		case "leave_pool":
			c.stopWaiting(true)
			c.push(ctx, MatchmakingMessage{Type: "matchmaking_stopped"})
		}
	}
}

func (c *MatchmakingClient) join(ctx context.Context, msg MatchmakingMessage) {
	c.stopWaiting(false)
	name := msg.DisplayName
	if name == "" {
		name = c.displayName
	}
	entryID, err := c.coord.Join(ctx, c.userID, msg.Role, name)
	if err != nil {
		c.push(ctx, MatchmakingMessage{Type: "error", Error: err.Error()})
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.entryID, c.cancel = entryID, cancel
	c.mu.Unlock()
	c.push(ctx, MatchmakingMessage{Type: "matchmaking_started", Role: msg.Role, EntryID: entryID})

	go func() {
		matchID, err := c.coord.WatchForOpponent(watchCtx, c.userID, msg.Role, entryID)
		switch {
		case err == nil:
			c.mu.Lock()
			if c.entryID == entryID {
				c.entryID, c.cancel = "", nil
			}
			c.mu.Unlock()
			c.push(ctx, MatchmakingMessage{Type: "match_found", MatchID: matchID, Role: msg.Role})
		case errors.Is(err, context.Canceled):
		default:
			c.log.Error().Err(err).Msg("Waiting for an opponent failed")
			c.push(ctx, MatchmakingMessage{Type: "error", Error: "Matchmaking failed, please try again"})
		}
	}()
}

// stopWaiting cancels the current watch and, if leave is set, removes the
// pool entry.
func (c *MatchmakingClient) stopWaiting(leave bool) {
	c.mu.Lock()
	entryID, cancel := c.entryID, c.cancel
	c.entryID, c.cancel = "", nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if leave && entryID != "" {
		ctx, done := context.WithTimeout(context.Background(), writeWait)
		defer done()
		if err := c.coord.Leave(ctx, c.userID, entryID); err != nil {
			c.log.Warn().Err(err).Str("entry_id", entryID).Msg("Leaving the pool failed")
		}
	}
}

func (c *MatchmakingClient) push(ctx context.Context, msg MatchmakingMessage) {
	select {
	case c.send <- msg:
	case <-ctx.Done():
	}
}

func (c *MatchmakingClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
