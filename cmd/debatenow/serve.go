package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"debatenow/internal/judge"
	"debatenow/internal/pairing"
	"debatenow/routes"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close(context.Background())

			coord, err := pairing.NewCoordinator(b.store, pairing.Options{
				Matchups:       cfg.Pairing.Matchups,
				RescanInterval: cfg.Pairing.RescanInterval,
			})
			if err != nil {
				return err
			}
			deps := &routes.Deps{
				Store:       b.store,
				Pairing:     coord,
				Stats:       b.sink,
				Leaderboard: b.board,
				Events:      b.events,
				Logger:      log.Logger,
			}
			if oracle := b.judgeOracle(); oracle != nil {
				deps.Judge = judge.New(b.store, oracle, judge.Options{
					Policy: b.policy,
					Stats:  b.sink,
					Events: b.events,
					Logger: log.Logger,
				})
			}

			if cfg.Log.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			srv := &http.Server{
				Addr:              ":" + strconv.Itoa(cfg.Server.Port),
				Handler:           routes.SetupRouter(cfg, deps),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", srv.Addr).Msg("Server starting")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
