package routes

import (
	"net/http"

	"debatenow/middlewares"

	"github.com/gin-gonic/gin"
)

type joinQueueRequest struct {
	Role        string `json:"role" binding:"required"`
	DisplayName string `json:"displayName"`
}

// JoinQueueHandler puts the caller in the waiting pool.
func (d *Deps) JoinQueueHandler(c *gin.Context) {
	var req joinQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}
	name := req.DisplayName
	if name == "" {
		name = middlewares.DisplayName(c)
	}
	userID := middlewares.UserID(c)
	id, err := d.Pairing.Join(c.Request.Context(), userID, req.Role, name)
	if err != nil {
		respondError(c, err)
		return
	}
	opponent, _ := d.Pairing.Matchups().Opponent(req.Role)
	c.JSON(http.StatusCreated, gin.H{"entryId": id, "role": req.Role, "opponentRole": opponent})
}

// LeaveQueueHandler removes one of the caller's pool entries.
func (d *Deps) LeaveQueueHandler(c *gin.Context) {
	if err := d.Pairing.Leave(c.Request.Context(), middlewares.UserID(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SweepHandler clears pool entries and matches a crashed client left behind.
func (d *Deps) SweepHandler(c *gin.Context) {
	res, err := d.Pairing.Sweep(c.Request.Context(), middlewares.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
