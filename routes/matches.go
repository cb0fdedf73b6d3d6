package routes

import (
	"net/http"
	"strconv"

	"debatenow/internal/apperrors"
	"debatenow/internal/debate"
	"debatenow/internal/disconnect"
	"debatenow/middlewares"
	"debatenow/models"

	"github.com/gin-gonic/gin"
)

type stageView struct {
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	Speaker     debate.Speaker `json:"speaker"`
	RemainingMs int64          `json:"remainingMs"`
}

type matchResponse struct {
	Match *models.Match `json:"match"`
	Party models.Party  `json:"party"`
	Stage *stageView    `json:"stage,omitempty"`
}

// seatedMatch loads the match of the :id param and checks the caller holds
// a seat in it.
func (d *Deps) seatedMatch(c *gin.Context) (*models.Match, models.Party, bool) {
	m, err := d.Store.GetMatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, "", false
	}
	party, ok := m.PartyOf(middlewares.UserID(c))
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "You are not a participant of this debate"})
		return nil, "", false
	}
	return m, party, true
}

// GetMatchHandler returns the match record with the stage clock evaluated
// at server time.
func (d *Deps) GetMatchHandler(c *gin.Context) {
	m, party, ok := d.seatedMatch(c)
	if !ok {
		return
	}
	resp := matchResponse{Match: m, Party: party}
	if m.DebateStarted && m.StageStartTime != nil {
		stage := debate.StageAt(m.DebateStageIndex)
		view := &stageView{Index: m.DebateStageIndex, Name: stage.Name, Speaker: stage.Speaker}
		if now, err := d.Store.Now(c.Request.Context()); err == nil && !m.DebateEnded {
			view.RemainingMs = debate.Remaining(stage, *m.StageStartTime, now).Milliseconds()
		}
		resp.Stage = view
	}
	c.JSON(http.StatusOK, resp)
}

// EndMatchHandler ends the call for the caller, who forfeits unless the
// debate already ended.
func (d *Deps) EndMatchHandler(c *gin.Context) {
	m, _, ok := d.seatedMatch(c)
	if !ok {
		return
	}
	mon := disconnect.NewMonitor(d.Store, m.ID, middlewares.UserID(c), disconnect.Options{
		Stats:  d.Stats,
		Events: d.Events,
		Logger: d.Logger,
	})
	if err := mon.EndCall(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	ended, err := d.Store.GetMatch(c.Request.Context(), m.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"match": ended})
}

// JudgeMatchHandler returns the verdict of an ended debate, asking the
// oracle if nobody has yet. A failed evaluation may be retried.
func (d *Deps) JudgeMatchHandler(c *gin.Context) {
	if d.Judge == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Judging is not configured"})
		return
	}
	m, _, ok := d.seatedMatch(c)
	if !ok {
		return
	}
	v, err := d.Judge.Run(c.Request.Context(), m.ID, middlewares.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (d *Deps) LeaderboardHandler(c *gin.Context) {
	if d.Leaderboard == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Leaderboard is not available"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}
	entries, err := d.Leaderboard.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// HealthHandler runs the store probe.
func (d *Deps) HealthHandler(c *gin.Context) {
	if err := d.Store.Ping(c.Request.Context()); err != nil {
		respondError(c, apperrors.NewStoreUnreachable(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
