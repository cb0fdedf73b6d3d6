package dominance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"debatenow/internal/debate"
	"debatenow/internal/events"
	"debatenow/internal/store"
	"debatenow/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// errPenaltyExists aborts a penalty write when one is already recorded.
var errPenaltyExists = errors.New("dominance: penalty already applied")

// VoiceActivitySource yields a normalized 0..1 activity level of one live
// audio stream.
type VoiceActivitySource interface {
	Level() float64
}

// Warning tells the local party whether it is currently dominating.
type Warning struct {
	Active bool
	Share  float64
}

type Options struct {
	Clock          clockwork.Clock
	Thresholds     Thresholds
	SampleInterval time.Duration
	// Remote measures the opponent's inbound audio. Without it only the
	// local party is ever detected as speaking.
	Remote VoiceActivitySource
	Events events.Publisher
	Logger zerolog.Logger
}

// Monitor samples voice activity while the current stage lets both parties
// speak, and writes the penalty and the final totals to the match.
type Monitor struct {
	store    store.Store
	matchID  string
	party    models.Party
	local    VoiceActivitySource
	remote   VoiceActivitySource
	clock    clockwork.Clock
	th       Thresholds
	interval time.Duration
	events   events.Publisher
	log      zerolog.Logger

	warnings   chan Warning
	lastSample atomic.Int64

	mu        sync.Mutex
	tracker   *Tracker
	penalized bool
	warning   bool
}

func NewMonitor(s store.Store, matchID string, party models.Party, local VoiceActivitySource, opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	return &Monitor{
		store:    s,
		matchID:  matchID,
		party:    party,
		local:    local,
		remote:   opts.Remote,
		clock:    opts.Clock,
		th:       opts.Thresholds,
		interval: opts.SampleInterval,
		events:   opts.Events,
		log:      opts.Logger.With().Str("component", "dominance").Str("party", string(party)).Logger(),
		warnings: make(chan Warning, 1),
	}
}

// Warnings delivers changes of the local warning, latest first.
func (m *Monitor) Warnings() <-chan Warning { return m.warnings }

// Totals returns the speaking times measured so far in the current stage.
func (m *Monitor) Totals() (initiator, receiver time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracker == nil {
		return 0, 0
	}
	return m.tracker.Initiator, m.tracker.Receiver
}

func openDiscussion(match *models.Match) bool {
	return match.Active && match.DebateStarted && !match.DebateEnded &&
		debate.StageAt(match.DebateStageIndex).Speaker == debate.SpeakerBoth
}

// Run follows the match and samples during open discussion until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	snapshots, err := m.store.WatchMatch(ctx, m.matchID)
	if err != nil {
		return fmt.Errorf("watch match: %w", err)
	}
	var ticker clockwork.Ticker
	var ticks <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case match, ok := <-snapshots:
			if !ok {
				return nil
			}
			m.mu.Lock()
			if match.DominancePenalty != nil {
				m.penalized = true
			}
			sampling := m.tracker != nil
			m.mu.Unlock()

			open := openDiscussion(match)
			switch {
			case open && !sampling:
				m.mu.Lock()
				m.tracker = NewTracker(m.clock.Now())
				m.mu.Unlock()
				ticker = m.clock.NewTicker(m.interval)
				ticks = ticker.Chan()
				m.log.Info().Msg("Measuring open discussion")
			case !open && sampling:
				ticker.Stop()
				ticker, ticks = nil, nil
				if match.Active {
					m.flush(ctx)
				}
				m.mu.Lock()
				m.tracker = nil
				m.mu.Unlock()
			}
		case <-ticks:
			now := m.clock.Now()
			m.sample(ctx, now)
			m.lastSample.Store(now.UnixNano())
		}
	}
}

func (m *Monitor) sample(ctx context.Context, now time.Time) {
	localLevel, remoteLevel := m.local.Level(), 0.0
	if m.remote != nil {
		remoteLevel = m.remote.Level()
	}
	m.mu.Lock()
	m.tracker.Sample(now, speakerOf(m.party, localLevel, remoteLevel, m.th.SpeakingLevel))
	m.mu.Unlock()
	m.evaluate(ctx)
}

func (m *Monitor) evaluate(ctx context.Context) {
	m.mu.Lock()
	t := *m.tracker
	penalized := m.penalized
	m.mu.Unlock()

	v := Evaluate(t.Initiator, t.Receiver, m.th)
	m.setWarning(v.Warn && v.Party == m.party, v.Share)
	if v.Penalize && !penalized {
		m.applyPenalty(ctx, v, t)
	}
}

func (m *Monitor) setWarning(active bool, share float64) {
	m.mu.Lock()
	changed := active != m.warning
	m.warning = active
	m.mu.Unlock()
	if !changed {
		return
	}
	select {
	case <-m.warnings:
	default:
	}
	select {
	case m.warnings <- Warning{Active: active, Share: share}:
	default:
	}
}

func (m *Monitor) applyPenalty(ctx context.Context, v Verdict, t Tracker) {
	now, err := m.store.Now(ctx)
	if err != nil {
		now = m.clock.Now()
	}
	penalty := models.DominancePenalty{
		AppliedTo:               v.Party,
		Percentage:              v.Share,
		InitiatorSpeakingTimeMs: t.Initiator.Milliseconds(),
		ReceiverSpeakingTimeMs:  t.Receiver.Milliseconds(),
		Timestamp:               now,
	}
	var match *models.Match
	err = m.store.RunTransaction(ctx, func(tx store.Tx) error {
		var err error
		match, err = tx.GetMatch(m.matchID)
		if err != nil {
			return err
		}
		if match.DominancePenalty != nil || !match.Active {
			return errPenaltyExists
		}
		return tx.UpdateMatch(m.matchID, store.MatchUpdate{DominancePenalty: &penalty})
	})

	m.mu.Lock()
	if err == nil || errors.Is(err, errPenaltyExists) {
		m.penalized = true
	}
	m.mu.Unlock()

	switch {
	case errors.Is(err, errPenaltyExists):
		return
	case err != nil:
		m.log.Error().Err(err).Msg("Writing dominance penalty failed")
		return
	}
	m.log.Warn().Str("applied_to", string(v.Party)).Float64("share", v.Share).Msg("Dominance penalty applied")

	o := events.NewOutcome(events.KindPenalty, m.matchID)
	o.LoserID = match.UserFor(v.Party)
	o.WinnerID = match.UserFor(v.Party.Opposite())
	o.Reason = fmt.Sprintf("%s held %.0f%% of the open discussion", v.Party, v.Share*100)
	if err := m.events.Publish(ctx, o); err != nil {
		m.log.Warn().Err(err).Msg("Publishing penalty failed")
	}
}

// flush closes the current run, checks the shares one last time and stores
// the totals.
func (m *Monitor) flush(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	m.tracker.Sample(now, "")
	m.mu.Unlock()
	m.evaluate(ctx)

	m.mu.Lock()
	stats := m.tracker.Stats(m.party, now)
	m.mu.Unlock()
	if err := m.store.UpdateMatch(ctx, m.matchID, store.MatchUpdate{OpenDiscussionStats: &stats}); err != nil {
		m.log.Error().Err(err).Msg("Storing open discussion totals failed")
		return
	}
	m.log.Info().
		Int64("initiator_ms", stats.InitiatorSpeakingTimeMs).
		Int64("receiver_ms", stats.ReceiverSpeakingTimeMs).
		Msg("Open discussion totals stored")
}
