package websocket

import (
	"context"
	"net/http"
	"time"

	"debatenow/internal/store"
	"debatenow/middlewares"
	"debatenow/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// MatchMessage carries one snapshot of a match record.
type MatchMessage struct {
	Type  string        `json:"type"`
	Party models.Party  `json:"party,omitempty"`
	Match *models.Match `json:"match,omitempty"`
}

// MatchHandler streams every version of a match to one of its participants
// until the match closes or the socket goes away.
func MatchHandler(s store.Store, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middlewares.UserID(c)
		matchID := c.Param("id")
		m, err := s.GetMatch(c.Request.Context(), matchID)
		if err != nil {
			c.String(http.StatusNotFound, "Match not found")
			return
		}
		party, ok := m.PartyOf(userID)
		if !ok {
			c.String(http.StatusForbidden, "Not a participant")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		log := logger.With().Str("component", "ws_match").Str("match_id", matchID).Str("user_id", userID).Logger()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			defer cancel()
			discardReads(conn)
		}()
		go streamMatch(ctx, cancel, conn, s, matchID, party, log)
	}
}

// discardReads keeps the read side alive for pongs and close frames.
func discardReads(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func streamMatch(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, s store.Store, matchID string, party models.Party, log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	updates, err := s.WatchMatch(ctx, matchID)
	if err != nil {
		log.Error().Err(err).Msg("Watching match failed")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(MatchMessage{Type: "match", Party: party, Match: m}); err != nil {
				return
			}
			if !m.Active {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "match closed"))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
