package main

import (
	"context"
	"fmt"

	"debatenow/config"
	"debatenow/db"
	"debatenow/internal/events"
	"debatenow/internal/judge"
	"debatenow/internal/logging"
	"debatenow/internal/stats"
	"debatenow/internal/store"
	"debatenow/utils"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// backend holds the shared services both commands run against.
type backend struct {
	cfg    *config.Config
	store  store.Store
	sink   stats.Sink
	board  stats.Leaderboard
	events events.Publisher
	// oracle is nil when no Gemini key is configured.
	oracle *judge.GeminiOracle
	policy judge.PenaltyPolicy
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	utils.SetJWTSecret(cfg.JWT.Secret)
	return cfg, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	policy, err := judge.ParsePolicy(cfg.Dominance.Policy)
	if err != nil {
		return nil, err
	}
	b := &backend{cfg: cfg, policy: policy}

	switch cfg.Store.Driver {
	case "memory":
		log.Warn().Msg("Using the in-memory store; matches are not shared across processes")
		mem := stats.NewMemorySink()
		b.store, b.sink, b.board = store.NewMemoryStore(clockwork.NewRealClock()), mem, mem
	default:
		client, database, err := db.ConnectMongoDB(ctx, cfg.Database.URI, cfg.Database.Name)
		if err != nil {
			return nil, err
		}
		ms := store.NewMongoStore(client, database)
		if err := ms.EnsureIndexes(ctx); err != nil {
			_ = ms.Close(context.Background())
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		sink := stats.NewMongoSink(client, database)
		b.store, b.sink, b.board = ms, sink, sink
	}

	b.events = events.NopPublisher{}
	if cfg.NATS.URL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		pub, err := events.NewNATSPublisher(natsCfg)
		if err != nil {
			b.Close(ctx)
			return nil, err
		}
		b.events = pub
		log.Info().Str("url", cfg.NATS.URL).Msg("Publishing match outcomes to NATS")
	}

	if cfg.Gemini.ApiKey != "" {
		oracle, err := judge.NewGeminiOracle(ctx, cfg.Gemini.ApiKey, cfg.Gemini.Model)
		if err != nil {
			b.Close(ctx)
			return nil, err
		}
		b.oracle = oracle
	} else {
		log.Warn().Msg("No Gemini API key configured; debates will not be judged")
	}
	return b, nil
}

// judgeOracle returns the oracle as the interface, nil when absent.
func (b *backend) judgeOracle() judge.Oracle {
	if b.oracle == nil {
		return nil
	}
	return b.oracle
}

func (b *backend) Close(ctx context.Context) {
	if b.oracle != nil {
		if err := b.oracle.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing Gemini client failed")
		}
	}
	if b.events != nil {
		if err := b.events.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing event publisher failed")
		}
	}
	if b.store != nil {
		if err := b.store.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Closing store failed")
		}
	}
}
