// Package pairing turns two compatible waiting entries into exactly one
// match record.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"debatenow/internal/store"
	"debatenow/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrSelfPair       = errors.New("pairing: a user cannot be paired with themselves")
	ErrEntryGone      = errors.New("pairing: waiting entry already consumed")
	ErrAlreadyMatched = errors.New("pairing: user already seated in an active match")
	ErrUnknownRole    = errors.New("pairing: role has no matchup")
	ErrIncompatible   = errors.New("pairing: roles do not debate each other")
	ErrNotEntryOwner  = errors.New("pairing: waiting entry belongs to another user")
)

// DefaultRescanInterval is how often a waiting user re-reads the pool.
const DefaultRescanInterval = 5 * time.Second

// Options configures a Coordinator. Zero values select defaults.
type Options struct {
	Matchups       Matchups
	Clock          clockwork.Clock
	RescanInterval time.Duration
}

// Coordinator manages one participant's presence in the waiting pool.
type Coordinator struct {
	store          store.Store
	matchups       Matchups
	clock          clockwork.Clock
	rescanInterval time.Duration
	log            zerolog.Logger
}

func NewCoordinator(s store.Store, opts Options) (*Coordinator, error) {
	if opts.Matchups == nil {
		opts.Matchups = DefaultMatchups()
	}
	if err := opts.Matchups.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = DefaultRescanInterval
	}
	return &Coordinator{
		store:          s,
		matchups:       opts.Matchups,
		clock:          opts.Clock,
		rescanInterval: opts.RescanInterval,
		log:            log.With().Str("component", "pairing").Logger(),
	}, nil
}

// Matchups returns the coordinator's matchup table.
func (c *Coordinator) Matchups() Matchups { return c.matchups }

// Join puts userID in the pool as role and returns the new entry id. Any
// entry the user left behind is removed first, so a user has at most one
// live entry.
func (c *Coordinator) Join(ctx context.Context, userID, role, displayName string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("pairing: empty user id")
	}
	if _, ok := c.matchups.Opponent(role); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if n, err := c.store.DeleteWaitingForUser(ctx, userID); err != nil {
		return "", fmt.Errorf("clear previous entries: %w", err)
	} else if n > 0 {
		c.log.Debug().Str("user_id", userID).Int("removed", n).Msg("Replaced previous waiting entries")
	}
	id, err := c.store.AddWaiting(ctx, models.WaitingEntry{
		UserID:      userID,
		Role:        role,
		DisplayName: displayName,
	})
	if err != nil {
		return "", fmt.Errorf("join pool: %w", err)
	}
	c.log.Info().Str("user_id", userID).Str("role", role).Str("entry_id", id).Msg("Joined waiting pool")
	return id, nil
}

// Leave removes userID's pool entry. Leaving twice is a no-op; an entry
// owned by someone else is refused with ErrNotEntryOwner.
func (c *Coordinator) Leave(ctx context.Context, userID, entryID string) error {
	err := c.store.RunTransaction(ctx, func(tx store.Tx) error {
		entry, err := tx.GetWaiting(entryID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.UserID != userID {
			return ErrNotEntryOwner
		}
		return tx.DeleteWaiting(entryID)
	})
	if err != nil {
		return fmt.Errorf("leave pool: %w", err)
	}
	return nil
}

// SweepResult reports what Sweep removed.
type SweepResult struct {
	EntriesRemoved int      `json:"entriesRemoved"`
	MatchesClosed  []string `json:"matchesClosed"`
}

// Sweep clears state a crashed session of userID left behind: every waiting
// entry and every match still marked active.
func (c *Coordinator) Sweep(ctx context.Context, userID string) (SweepResult, error) {
	var res SweepResult
	n, err := c.store.DeleteWaitingForUser(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("sweep waiting entries: %w", err)
	}
	res.EntriesRemoved = n

	stale, err := c.store.ActiveMatchesFor(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("sweep matches: %w", err)
	}
	for _, m := range stale {
		err := c.store.UpdateMatch(ctx, m.ID, store.MatchUpdate{
			Active:     store.Bool(false),
			CleanedUp:  store.Bool(true),
			EndedAtNow: true,
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return res, fmt.Errorf("close stale match %s: %w", m.ID, err)
		}
		res.MatchesClosed = append(res.MatchesClosed, m.ID)
	}
	if res.EntriesRemoved > 0 || len(res.MatchesClosed) > 0 {
		c.log.Info().Str("user_id", userID).Int("entries", res.EntriesRemoved).
			Strs("matches", res.MatchesClosed).Msg("Swept stale session state")
	}
	return res, nil
}

// TryPair atomically converts self and opponent into one match. It returns
// ErrEntryGone or ErrAlreadyMatched when a concurrent pairing got there
// first; callers keep watching instead of failing.
func (c *Coordinator) TryPair(ctx context.Context, self, opponent models.WaitingEntry) (string, error) {
	if self.UserID == opponent.UserID {
		return "", ErrSelfPair
	}
	if want, ok := c.matchups.Opponent(self.Role); !ok || want != opponent.Role {
		return "", ErrIncompatible
	}
	for _, uid := range []string{self.UserID, opponent.UserID} {
		active, err := c.store.ActiveMatchesFor(ctx, uid)
		if err != nil {
			return "", fmt.Errorf("pre-check active matches: %w", err)
		}
		if len(active) > 0 {
			return "", ErrAlreadyMatched
		}
	}

	var matchID string
	err := c.store.RunTransaction(ctx, func(tx store.Tx) error {
		mine, err := tx.GetWaiting(self.ID)
		if err != nil {
			return entryErr(err)
		}
		theirs, err := tx.GetWaiting(opponent.ID)
		if err != nil {
			return entryErr(err)
		}
		if mine.UserID == theirs.UserID {
			return ErrSelfPair
		}
		for _, uid := range []string{mine.UserID, theirs.UserID} {
			busy, err := tx.HasActiveMatch(uid)
			if err != nil {
				return err
			}
			if busy {
				return ErrAlreadyMatched
			}
		}

		ini, rec := seat(*mine, *theirs)
		matchID, err = tx.CreateMatch(&models.Match{
			InitiatorID:   ini.UserID,
			ReceiverID:    rec.UserID,
			InitiatorRole: ini.Role,
			ReceiverRole:  rec.Role,
			InitiatorName: ini.DisplayName,
			ReceiverName:  rec.DisplayName,
			Active:        true,
		})
		if err != nil {
			return err
		}
		if err := tx.DeleteWaiting(mine.ID); err != nil {
			return err
		}
		return tx.DeleteWaiting(theirs.ID)
	})
	if err != nil {
		return "", err
	}
	c.log.Info().Str("match_id", matchID).Str("user_id", self.UserID).
		Str("opponent_id", opponent.UserID).Msg("Created match")
	return matchID, nil
}

func entryErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrEntryGone
	}
	return err
}

// retryable reports whether a TryPair error means someone else already acted.
func retryable(err error) bool {
	return errors.Is(err, ErrEntryGone) ||
		errors.Is(err, ErrAlreadyMatched) ||
		errors.Is(err, store.ErrConflict)
}

// WatchForOpponent blocks until userID, waiting as entryID, is seated in a
// new match, either by its own pairing attempt or by an opponent's. It
// returns ctx.Err() when ctx ends first.
func (c *Coordinator) WatchForOpponent(ctx context.Context, userID, role, entryID string) (string, error) {
	oppRole, ok := c.matchups.Opponent(role)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	matches, err := c.store.WatchMatchesFor(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("watch own matches: %w", err)
	}
	candidates, err := c.store.WatchWaiting(ctx, oppRole)
	if err != nil {
		return "", fmt.Errorf("watch waiting pool: %w", err)
	}
	ticker := c.clock.NewTicker(c.rescanInterval)
	defer ticker.Stop()

	self := models.WaitingEntry{ID: entryID, UserID: userID, Role: role}
	logger := c.log.With().Str("user_id", userID).Str("entry_id", entryID).Logger()

	attempt := func(opp models.WaitingEntry) (string, bool) {
		if opp.UserID == userID {
			return "", false
		}
		id, err := c.TryPair(ctx, self, opp)
		switch {
		case err == nil:
			return id, true
		case retryable(err):
			logger.Debug().Err(err).Str("opponent_id", opp.UserID).Msg("Pairing attempt lost, still waiting")
		case ctx.Err() != nil:
		default:
			logger.Warn().Err(err).Str("opponent_id", opp.UserID).Msg("Pairing attempt failed")
		}
		return "", false
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case m, ok := <-matches:
			if !ok {
				return "", c.closedErr(ctx)
			}
			// A match we were seated in before this entry existed is not
			// ours to resolve; only a pairing consumes our entry.
			if live, err := c.entryLive(ctx, entryID); err == nil && !live {
				logger.Info().Str("match_id", m.ID).Msg("Discovered pairing")
				return m.ID, nil
			}

		case opp, ok := <-candidates:
			if !ok {
				return "", c.closedErr(ctx)
			}
			if id, done := attempt(opp); done {
				return id, nil
			}

		case <-ticker.Chan():
			pool, err := c.store.ListWaiting(ctx, oppRole)
			if err != nil {
				logger.Warn().Err(err).Msg("Rescan of waiting pool failed")
				continue
			}
			for _, opp := range pool {
				if id, done := attempt(opp); done {
					return id, nil
				}
			}
		}
	}
}

func (c *Coordinator) entryLive(ctx context.Context, entryID string) (bool, error) {
	live := false
	err := c.store.RunTransaction(ctx, func(tx store.Tx) error {
		_, err := tx.GetWaiting(entryID)
		switch {
		case err == nil:
			live = true
		case errors.Is(err, store.ErrNotFound):
		default:
			return err
		}
		return nil
	})
	return live, err
}

func (c *Coordinator) closedErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return store.ErrClosed
}
