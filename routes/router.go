package routes

import (
	"net/http"
	"time"

	"debatenow/config"
	"debatenow/internal/events"
	"debatenow/internal/judge"
	"debatenow/internal/pairing"
	"debatenow/internal/stats"
	"debatenow/internal/store"
	"debatenow/middlewares"
	"debatenow/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Deps are the services the HTTP handlers run against.
type Deps struct {
	Store       store.Store
	Pairing     *pairing.Coordinator
	Stats       stats.Sink
	Leaderboard stats.Leaderboard
	Events      events.Publisher
	// Judge is nil when no scoring oracle is configured.
	Judge  *judge.Judge
	Logger zerolog.Logger
}

// SetupRouter builds the gateway: the pairing pool, match records and the
// two WebSocket feeds.
func SetupRouter(cfg *config.Config, d *Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middlewares.RequestLogger(d.Logger))
	router.SetTrustedProxies([]string{"127.0.0.1", "localhost"})

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	router.GET("/health", d.HealthHandler)

	auth := router.Group("/")
	auth.Use(middlewares.AuthMiddleware())
	{
		auth.POST("/queue", d.JoinQueueHandler)
		auth.DELETE("/queue/:id", d.LeaveQueueHandler)
		auth.POST("/queue/sweep", d.SweepHandler)

		auth.GET("/matches/:id", d.GetMatchHandler)
		auth.POST("/matches/:id/end", d.EndMatchHandler)
		auth.POST("/matches/:id/judge", d.JudgeMatchHandler)

		auth.GET("/leaderboard", d.LeaderboardHandler)

		auth.GET("/ws/matchmaking", websocket.MatchmakingHandler(d.Pairing, d.Logger))
		auth.GET("/ws/matches/:id", websocket.MatchHandler(d.Store, d.Logger))
	}
	return router
}
