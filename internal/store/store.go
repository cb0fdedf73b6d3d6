// Package store is the shared record store both participants of a match
// coordinate through: the waiting pool, match records and the ICE candidate
// streams. All race-sensitive writes go through RunTransaction.
package store

import (
	"context"
	"errors"
	"time"

	"debatenow/models"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned when a transaction lost to a concurrent writer
	// on every attempt.
	ErrConflict = errors.New("store: transaction conflict")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store: closed")
)

// maxTransactionAttempts bounds optimistic retries of a conflicting commit.
const maxTransactionAttempts = 5

// Store is the document store shared by both parties of a match.
type Store interface {
	// AddWaiting inserts a pool entry and returns its id. JoinedAt is stamped
	// with server time.
	AddWaiting(ctx context.Context, entry models.WaitingEntry) (string, error)
	// DeleteWaiting removes a pool entry. Deleting a missing entry is not an
	// error.
	DeleteWaiting(ctx context.Context, id string) error
	// DeleteWaitingForUser removes every pool entry owned by userID.
	DeleteWaitingForUser(ctx context.Context, userID string) (int, error)
	// ListWaiting returns the entries waiting as role, oldest first.
	ListWaiting(ctx context.Context, role string) ([]models.WaitingEntry, error)
	// WatchWaiting delivers the entries currently waiting as role, then every
	// entry created afterwards. The channel is closed when ctx ends.
	WatchWaiting(ctx context.Context, role string) (<-chan models.WaitingEntry, error)

	GetMatch(ctx context.Context, id string) (*models.Match, error)
	// ActiveMatchesFor returns the active matches userID is seated in.
	ActiveMatchesFor(ctx context.Context, userID string) ([]*models.Match, error)
	// WatchMatch delivers the current snapshot of the match and then every
	// later version, in write order.
	WatchMatch(ctx context.Context, id string) (<-chan *models.Match, error)
	// WatchMatchesFor delivers every active match in which userID is the
	// initiator or the receiver, including matches created later.
	WatchMatchesFor(ctx context.Context, userID string) (<-chan *models.Match, error)
	// UpdateMatch overwrites the fields named by u without reading them
	// first. Use RunTransaction for read-modify-write.
	UpdateMatch(ctx context.Context, id string, u MatchUpdate) error

	// RunTransaction runs fn atomically. Conflicting commits are retried; an
	// error returned by fn aborts the transaction without writes and is
	// returned unchanged.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// AddCandidate appends to the candidate stream of rec.Role.
	AddCandidate(ctx context.Context, rec models.IceCandidateRecord) (string, error)
	ListCandidates(ctx context.Context, matchID string, role models.CandidateRole) ([]models.IceCandidateRecord, error)
	// WatchCandidates delivers the existing records of one stream and then
	// every appended record.
	WatchCandidates(ctx context.Context, matchID string, role models.CandidateRole) (<-chan models.IceCandidateRecord, error)

	// Now returns the store's notion of the current time.
	Now(ctx context.Context) (time.Time, error)
	// Ping is a lightweight connectivity probe.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Tx is the view of the store inside RunTransaction. Reads observe the
// transaction's own writes.
type Tx interface {
	GetWaiting(id string) (*models.WaitingEntry, error)
	DeleteWaiting(id string) error
	GetMatch(id string) (*models.Match, error)
	// HasActiveMatch reports whether userID is seated in any active match.
	HasActiveMatch(userID string) (bool, error)
	// CreateMatch inserts m, assigning an id when m.ID is empty, and stamps
	// CreatedAt with server time.
	CreateMatch(m *models.Match) (string, error)
	UpdateMatch(id string, u MatchUpdate) error
}

// MatchUpdate names the match fields a write sets. Nil fields are left
// untouched.
type MatchUpdate struct {
	Offer  *models.SessionDescription
	Answer *models.SessionDescription
	// ClearAnswer removes the stored answer. Answer wins when both are set.
	ClearAnswer           bool
	RenegotiateGeneration *int

	DebateStarted    *bool
	DebateStageIndex *int
	// StageStartNow stamps stageStartTime with server time.
	StageStartNow bool
	DebateEnded   *bool

	Active *bool
	// EndedAtNow stamps endedAt with server time.
	EndedAtNow          bool
	DisconnectedUserID  *string
	DisconnectionReason *string
	CleanedUp           *bool

	DominancePenalty    *models.DominancePenalty
	OpenDiscussionStats *models.OpenDiscussionStats

	InitiatorTranscript *string
	ReceiverTranscript  *string
	JudgingClaimedBy    *string
	Evaluation          *string
	Winner              *string
}

// IsZero reports whether the update names no field.
func (u MatchUpdate) IsZero() bool {
	return u == MatchUpdate{}
}

// Apply writes the named fields into m, using now for server stamps.
func (u MatchUpdate) Apply(m *models.Match, now time.Time) {
	if u.Offer != nil {
		o := *u.Offer
		m.Offer = &o
	}
	if u.ClearAnswer {
		m.Answer = nil
	}
	if u.Answer != nil {
		a := *u.Answer
		m.Answer = &a
	}
	if u.RenegotiateGeneration != nil {
		m.RenegotiateGeneration = *u.RenegotiateGeneration
	}
	if u.DebateStarted != nil {
		m.DebateStarted = *u.DebateStarted
	}
	if u.DebateStageIndex != nil {
		m.DebateStageIndex = *u.DebateStageIndex
	}
	if u.StageStartNow {
		t := now
		m.StageStartTime = &t
	}
	if u.DebateEnded != nil {
		m.DebateEnded = *u.DebateEnded
	}
	if u.Active != nil {
		m.Active = *u.Active
	}
	if u.EndedAtNow {
		t := now
		m.EndedAt = &t
	}
	if u.DisconnectedUserID != nil {
		m.DisconnectedUserID = *u.DisconnectedUserID
	}
	if u.DisconnectionReason != nil {
		m.DisconnectionReason = *u.DisconnectionReason
	}
	if u.CleanedUp != nil {
		m.CleanedUp = *u.CleanedUp
	}
	if u.DominancePenalty != nil {
		p := *u.DominancePenalty
		m.DominancePenalty = &p
	}
	if u.OpenDiscussionStats != nil {
		s := *u.OpenDiscussionStats
		m.OpenDiscussionStats = &s
	}
	if u.InitiatorTranscript != nil {
		m.InitiatorTranscript = *u.InitiatorTranscript
	}
	if u.ReceiverTranscript != nil {
		m.ReceiverTranscript = *u.ReceiverTranscript
	}
	if u.JudgingClaimedBy != nil {
		m.JudgingClaimedBy = *u.JudgingClaimedBy
	}
	if u.Evaluation != nil {
		m.Evaluation = *u.Evaluation
	}
	if u.Winner != nil {
		m.Winner = *u.Winner
	}
}

// Bool returns a pointer to v, for building a MatchUpdate.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
