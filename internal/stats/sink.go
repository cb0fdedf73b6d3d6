// Package stats keeps per-user win, loss, streak and rating totals.
package stats

import (
	"context"
	"fmt"
	"time"

	"debatenow/models"
)

// Sink records one user's side of a decided match. Sinks need not be
// idempotent; callers record each outcome once.
type Sink interface {
	RecordOutcome(ctx context.Context, userID string, won bool) error
}

// ResultRecorder is implemented by sinks that can record both sides of a
// match together, which also moves the players' ratings.
type ResultRecorder interface {
	RecordResult(ctx context.Context, winnerID, loserID string, at time.Time) error
}

// Leaderboard lists users ordered by wins.
type Leaderboard interface {
	Leaderboard(ctx context.Context, limit int) ([]models.UserStats, error)
}

// RecordResult records a win for winnerID and a loss for loserID.
func RecordResult(ctx context.Context, sink Sink, winnerID, loserID string, at time.Time) error {
	if r, ok := sink.(ResultRecorder); ok {
		return r.RecordResult(ctx, winnerID, loserID, at)
	}
	if err := sink.RecordOutcome(ctx, winnerID, true); err != nil {
		return fmt.Errorf("record win for %s: %w", winnerID, err)
	}
	if err := sink.RecordOutcome(ctx, loserID, false); err != nil {
		return fmt.Errorf("record loss for %s: %w", loserID, err)
	}
	return nil
}

func applyOutcome(s *models.UserStats, won bool) {
	if won {
		s.Wins++
		s.Streak++
		return
	}
	s.Losses++
	s.Streak = 0
}

func ratingOf(s models.UserStats, g *Glicko2) Rating {
	if s.Rating == 0 {
		return g.Initial()
	}
	return Rating{Rating: s.Rating, RD: s.RD, Volatility: s.Volatility, LastUpdate: s.LastRatingUpdate}
}

func setRating(s *models.UserStats, r Rating) {
	s.Rating, s.RD, s.Volatility, s.LastRatingUpdate = r.Rating, r.RD, r.Volatility, r.LastUpdate
}
