package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"debatenow/models"
)

// Outcome is one recorded call, kept by MemorySink for inspection.
type Outcome struct {
	UserID string
	Won    bool
}

// MemorySink is an in-process Sink.
type MemorySink struct {
	rater *Glicko2

	mu       sync.Mutex
	users    map[string]*models.UserStats
	outcomes []Outcome
}

func NewMemorySink() *MemorySink {
	return &MemorySink{rater: NewGlicko2(RatingConfig{}), users: make(map[string]*models.UserStats)}
}

func (s *MemorySink) user(id string) *models.UserStats {
	u, ok := s.users[id]
	if !ok {
		u = &models.UserStats{UserID: id}
		setRating(u, s.rater.Initial())
		s.users[id] = u
	}
	return u
}

func (s *MemorySink) RecordOutcome(ctx context.Context, userID string, won bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	applyOutcome(s.user(userID), won)
	s.outcomes = append(s.outcomes, Outcome{UserID: userID, Won: won})
	return nil
}

func (s *MemorySink) RecordResult(ctx context.Context, winnerID, loserID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, l := s.user(winnerID), s.user(loserID)
	wr, lr := ratingOf(*w, s.rater), ratingOf(*l, s.rater)
	s.rater.Decide(&wr, &lr, at)
	setRating(w, wr)
	setRating(l, lr)
	applyOutcome(w, true)
	applyOutcome(l, false)
	s.outcomes = append(s.outcomes, Outcome{UserID: winnerID, Won: true}, Outcome{UserID: loserID, Won: false})
	return nil
}

// Get returns the totals of userID.
func (s *MemorySink) Get(userID string) models.UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return *u
	}
	return models.UserStats{UserID: userID}
}

// Outcomes returns every recorded outcome in call order.
func (s *MemorySink) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

func (s *MemorySink) Leaderboard(ctx context.Context, limit int) ([]models.UserStats, error) {
	s.mu.Lock()
	all := make([]models.UserStats, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, *u)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Wins != all[j].Wins {
			return all[i].Wins > all[j].Wins
		}
		if all[i].Rating != all[j].Rating {
			return all[i].Rating > all[j].Rating
		}
		return all[i].UserID < all[j].UserID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
