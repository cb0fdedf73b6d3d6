// Package disconnect turns a lasting loss of the peer link, or an explicit
// end of call, into a decided match.
//
// When the grace period runs out, the seat that is still running closes the
// match and records its opponent as the leaver. A lost link is observed by
// both seats, but only a live process can write, so the silent seat is the
// one that went away. Earlier clients recorded the detecting seat instead.
package disconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"debatenow/internal/apperrors"
	"debatenow/internal/events"
	"debatenow/internal/signaling"
	"debatenow/internal/stats"
	"debatenow/internal/store"
	"debatenow/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultGrace is how long a lost link may take to recover before the match
// is forfeited.
const DefaultGrace = 15 * time.Second

// ErrAlreadyInactive aborts closing a match another writer already closed.
var ErrAlreadyInactive = errors.New("disconnect: match already inactive")

// Rejoin refusals.
var (
	ErrYouDisconnected   = apperrors.NewTerminal("YOU_DISCONNECTED", "This debate has already ended due to your disconnection. You cannot rejoin.")
	ErrOpponentForfeited = apperrors.NewTerminal("OPPONENT_FORFEITED", "Your opponent has disconnected. You win by forfeit.")
	ErrMatchEnded        = apperrors.NewTerminal("MATCH_ENDED", "This debate has already ended.")
)

// CheckRejoin refuses to rejoin a match that is no longer active.
func CheckRejoin(m *models.Match, userID string) error {
	if m.Active {
		return nil
	}
	switch {
	case m.DisconnectedUserID == userID:
		return ErrYouDisconnected
	case m.DisconnectedUserID != "":
		return ErrOpponentForfeited
	}
	return ErrMatchEnded
}

// Close marks an active match inactive, recording leaverID and reason. It
// returns the match as it was before the write, or ErrAlreadyInactive.
func Close(ctx context.Context, s store.Store, matchID, leaverID, reason string) (*models.Match, error) {
	var before *models.Match
	err := s.RunTransaction(ctx, func(tx store.Tx) error {
		m, err := tx.GetMatch(matchID)
		if err != nil {
			return err
		}
		if !m.Active {
			return ErrAlreadyInactive
		}
		before = m
		return tx.UpdateMatch(matchID, store.MatchUpdate{
			Active:              store.Bool(false),
			EndedAtNow:          true,
			DisconnectedUserID:  &leaverID,
			DisconnectionReason: &reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return before, nil
}

// decides reports whether closing m settles the result. Once the debate has
// ended the judge decides it instead.
func decides(m *models.Match) bool {
	return !m.DebateEnded && !m.Scored()
}

type Options struct {
	Grace  time.Duration
	Clock  clockwork.Clock
	Stats  stats.Sink
	Events events.Publisher
	Logger zerolog.Logger
}

// Monitor watches one seat's link. A loss that outlasts the grace window
// forfeits the match against the opponent, since this seat is evidently
// still alive and able to write.
type Monitor struct {
	store   store.Store
	matchID string
	userID  string
	grace   time.Duration
	clock   clockwork.Clock
	stats   stats.Sink
	events  events.Publisher
	log     zerolog.Logger

	mu      sync.Mutex
	match   *models.Match
	timer   clockwork.Timer
	gracing bool
}

func NewMonitor(s store.Store, matchID, userID string, opts Options) *Monitor {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	return &Monitor{
		store:   s,
		matchID: matchID,
		userID:  userID,
		grace:   opts.Grace,
		clock:   opts.Clock,
		stats:   opts.Stats,
		events:  opts.Events,
		log:     opts.Logger.With().Str("component", "disconnect").Logger(),
	}
}

// Gracing reports whether a grace timer is running.
func (m *Monitor) Gracing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gracing
}

// Run follows link states and match snapshots until ctx ends.
func (m *Monitor) Run(ctx context.Context, states <-chan signaling.LinkState) error {
	snapshots, err := m.store.WatchMatch(ctx, m.matchID)
	if err != nil {
		return fmt.Errorf("watch match: %w", err)
	}
	defer m.stopTimer()

	for {
		var expired <-chan time.Time
		m.mu.Lock()
		if m.timer != nil {
			expired = m.timer.Chan()
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			m.observe(st)
		case match, ok := <-snapshots:
			if !ok {
				return nil
			}
			m.mu.Lock()
			m.match = match
			m.mu.Unlock()
			if !match.Active || !decides(match) {
				m.stopTimer()
			}
		case <-expired:
			m.mu.Lock()
			m.timer, m.gracing = nil, false
			m.mu.Unlock()
			m.expire(ctx)
		}
	}
}

func (m *Monitor) observe(st signaling.LinkState) {
	switch {
	case st == signaling.LinkConnected:
		if m.stopTimer() {
			m.log.Info().Msg("Link recovered within the grace window")
		}
	case st.Lost():
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.timer != nil {
			return
		}
		if m.match != nil && (!m.match.Active || !decides(m.match)) {
			return
		}
		m.timer = m.clock.NewTimer(m.grace)
		m.gracing = true
		m.log.Warn().Str("state", string(st)).Dur("grace", m.grace).Msg("Link lost, starting grace timer")
	}
}

func (m *Monitor) stopTimer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer == nil {
		return false
	}
	m.timer.Stop()
	m.timer, m.gracing = nil, false
	return true
}

func (m *Monitor) expire(ctx context.Context) {
	m.log.Warn().Dur("grace", m.grace).Msg("Link did not recover, forfeiting")
	match, err := m.store.GetMatch(ctx, m.matchID)
	if err != nil {
		m.log.Error().Err(err).Msg("Reading match at grace expiry failed")
		return
	}
	opponent := match.Opponent(m.userID)
	if opponent == "" {
		m.log.Error().Msg("Local user is not seated in the match")
		return
	}
	m.close(ctx, opponent, models.ReasonForfeit)
}

// EndCall ends the match now on behalf of the local user, who loses unless
// the debate has already ended.
func (m *Monitor) EndCall(ctx context.Context) error {
	m.stopTimer()
	_, err := m.close(ctx, m.userID, models.ReasonVoluntaryDisconnect)
	return err
}

func (m *Monitor) close(ctx context.Context, leaverID, reason string) (bool, error) {
	before, err := Close(ctx, m.store, m.matchID, leaverID, reason)
	if errors.Is(err, ErrAlreadyInactive) {
		m.log.Info().Str("reason", reason).Msg("Match already closed")
		return false, nil
	}
	if err != nil {
		m.log.Error().Err(err).Str("reason", reason).Msg("Closing match failed")
		return false, err
	}
	m.log.Info().Str("leaver", leaverID).Str("reason", reason).Msg("Match closed")
	if !decides(before) {
		return true, nil
	}

	winnerID := before.Opponent(leaverID)
	if m.stats != nil {
		if err := stats.RecordResult(ctx, m.stats, winnerID, leaverID, m.clock.Now()); err != nil {
			m.log.Error().Err(err).Msg("Recording forfeit stats failed")
		}
	}
	o := events.NewOutcome(events.KindForfeit, m.matchID)
	o.WinnerID, o.LoserID, o.Reason = winnerID, leaverID, reason
	if err := m.events.Publish(ctx, o); err != nil {
		m.log.Warn().Err(err).Msg("Publishing forfeit failed")
	}
	return true, nil
}
