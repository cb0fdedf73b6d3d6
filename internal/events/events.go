// Package events publishes match outcomes for downstream consumers such as
// scoring and leaderboards.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome kinds, also the last subject token.
const (
	KindForfeit = "forfeit"
	KindPenalty = "penalty"
	KindEnded   = "ended"
	KindJudged  = "judged"
)

// Outcome is one decided (or decisive) fact about a match.
type Outcome struct {
	ID       string    `json:"eventId"`
	Kind     string    `json:"eventType"`
	MatchID  string    `json:"matchId"`
	WinnerID string    `json:"winnerId,omitempty"`
	LoserID  string    `json:"loserId,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"timestamp"`
}

// NewOutcome stamps an id and time on a new outcome.
func NewOutcome(kind, matchID string) Outcome {
	return Outcome{ID: uuid.NewString(), Kind: kind, MatchID: matchID, At: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
	Close() error
}

// NopPublisher drops every outcome. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Outcome) error { return nil }
func (NopPublisher) Close() error                           { return nil }

// MemoryPublisher keeps published outcomes in order.
type MemoryPublisher struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (p *MemoryPublisher) Publish(_ context.Context, o Outcome) error {
	p.mu.Lock()
	p.outcomes = append(p.outcomes, o)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Published returns the outcomes seen so far.
func (p *MemoryPublisher) Published() []Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Outcome(nil), p.outcomes...)
}
