package debate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"debatenow/internal/store"
	"debatenow/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Auto-start triggers.
const (
	TriggerMatchRecord   = "match-record"
	TriggerLinkConnected = "link-connected"
)

const tickInterval = time.Second

// errStale aborts a persist transaction whose write another seat already
// made.
var errStale = errors.New("debate: transition already persisted")

// TranscriptSource yields the speech-to-text transcript accumulated by the
// local seat.
type TranscriptSource interface {
	Transcript() string
}

// AudioGate admits or mutes outbound audio.
type AudioGate interface {
	SetAudioAllowed(allowed bool)
}

// View is what a seat shows for the current stage.
type View struct {
	StageIndex   int           `json:"stageIndex"`
	Stage        Stage         `json:"stage"`
	Remaining    time.Duration `json:"remaining"`
	AudioAllowed bool          `json:"audioAllowed"`
	Started      bool          `json:"started"`
	Ended        bool          `json:"ended"`
	Active       bool          `json:"active"`
}

type MachineOptions struct {
	Clock         clockwork.Clock
	TakeoverGrace time.Duration
	Transcripts   TranscriptSource
	Audio         AudioGate
	Logger        zerolog.Logger
}

// Machine runs Transition for one seat against the stored match record and
// carries out its effects.
type Machine struct {
	store       store.Store
	matchID     string
	party       models.Party
	clock       clockwork.Clock
	transcripts TranscriptSource
	audio       AudioGate
	log         zerolog.Logger

	starts chan string
	views  chan View
	ticker clockwork.Ticker
	// lastTick is the local time of the last handled tick, in Unix nanos.
	lastTick atomic.Int64

	mu    sync.Mutex
	state State
	// skew is server time minus local time, sampled once per run.
	skew time.Duration
}

func NewMachine(s store.Store, matchID string, party models.Party, opts MachineOptions) *Machine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Machine{
		store:       s,
		matchID:     matchID,
		party:       party,
		clock:       opts.Clock,
		transcripts: opts.Transcripts,
		audio:       opts.Audio,
		log:         opts.Logger.With().Str("component", "debate").Str("party", string(party)).Logger(),
		starts:      make(chan string, 8),
		views:       make(chan View, 1),
		state:       NewState(party, opts.TakeoverGrace),
	}
}

// TryStart asks the machine to begin the debate. It never blocks and every
// call after the first is a no-op.
func (m *Machine) TryStart(trigger string) {
	select {
	case m.starts <- trigger:
	default:
	}
}

// Views delivers the latest view after every change. Views not yet received
// are replaced by newer ones.
func (m *Machine) Views() <-chan View { return m.views }

// State returns a copy of the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) now() time.Time {
	m.mu.Lock()
	skew := m.skew
	m.mu.Unlock()
	return m.clock.Now().Add(skew)
}

// Run drives the machine until ctx ends.
func (m *Machine) Run(ctx context.Context) error {
	if serverNow, err := m.store.Now(ctx); err == nil {
		m.mu.Lock()
		m.skew = serverNow.Sub(m.clock.Now())
		m.mu.Unlock()
	} else {
		m.log.Warn().Err(err).Msg("Could not read server time, using local clock")
	}

	snapshots, err := m.store.WatchMatch(ctx, m.matchID)
	if err != nil {
		return fmt.Errorf("watch match: %w", err)
	}
	m.ticker = m.clock.NewTicker(tickInterval)
	defer m.ticker.Stop()

	autoStarted := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case match, ok := <-snapshots:
			if !ok {
				return nil
			}
			m.handle(ctx, Snapshot{Match: match})
			if !autoStarted {
				autoStarted = true
				m.handle(ctx, StartRequested{Trigger: TriggerMatchRecord})
			}
		case trigger := <-m.starts:
			m.handle(ctx, StartRequested{Trigger: trigger})
		case <-m.ticker.Chan():
			local := m.clock.Now()
			m.handle(ctx, Tick{Now: m.now()})
			m.lastTick.Store(local.UnixNano())
		}
	}
}

func (m *Machine) handle(ctx context.Context, ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]
		m.mu.Lock()
		next, effects := Transition(m.state, ev)
		m.state = next
		m.mu.Unlock()

		if st, ok := ev.(StartRequested); ok && len(effects) > 0 {
			m.log.Info().Str("trigger", st.Trigger).Msg("Starting debate")
		}
		for _, eff := range effects {
			if err := m.apply(ctx, eff); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Warn().Err(err).Str("effect", fmt.Sprintf("%T", eff)).Msg("Persisting transition failed")
				queue = append(queue, PersistFailed{Effect: eff})
			}
		}
	}
	m.publish()
}

func (m *Machine) apply(ctx context.Context, eff Effect) error {
	switch eff := eff.(type) {
	case PersistStart:
		return m.persist(ctx, func(match *models.Match) (store.MatchUpdate, error) {
			if match.DebateStarted {
				return store.MatchUpdate{}, errStale
			}
			return store.MatchUpdate{
				DebateStarted:    store.Bool(true),
				DebateStageIndex: store.Int(0),
				StageStartNow:    true,
			}, nil
		})
	case PersistAdvance:
		err := m.persist(ctx, func(match *models.Match) (store.MatchUpdate, error) {
			if match.DebateEnded || match.DebateStageIndex != eff.From {
				return store.MatchUpdate{}, errStale
			}
			return store.MatchUpdate{DebateStageIndex: store.Int(eff.To), StageStartNow: true}, nil
		})
		if err == nil {
			m.log.Info().Int("from", eff.From).Int("to", eff.To).Msg("Stage advanced")
		}
		return err
	case PersistEnd:
		return m.persist(ctx, func(match *models.Match) (store.MatchUpdate, error) {
			if match.DebateEnded {
				return store.MatchUpdate{}, errStale
			}
			return store.MatchUpdate{DebateEnded: store.Bool(true), EndedAtNow: true}, nil
		})
	case CaptureTranscripts:
		if m.transcripts == nil {
			return nil
		}
		text := m.transcripts.Transcript()
		u := store.MatchUpdate{ReceiverTranscript: &text}
		if m.party == models.PartyInitiator {
			u = store.MatchUpdate{InitiatorTranscript: &text}
		}
		if err := m.store.UpdateMatch(ctx, m.matchID, u); err != nil {
			// Not retried through the machine; the transcript is captured once.
			m.log.Error().Err(err).Msg("Storing transcript failed")
		}
	case SetAudio:
		if m.audio != nil {
			m.audio.SetAudioAllowed(eff.Allowed)
		}
	case ResetTicker:
		if m.ticker != nil {
			m.ticker.Reset(tickInterval)
		}
	case StageEntered:
		stage := StageAt(eff.Index)
		m.log.Info().Int("stage", eff.Index).Str("name", stage.Name).Msg("Stage entered")
	}
	return nil
}

// persist runs a compare-and-set on the match. build returns errStale when
// the write is already done, which counts as success.
func (m *Machine) persist(ctx context.Context, build func(*models.Match) (store.MatchUpdate, error)) error {
	err := m.store.RunTransaction(ctx, func(tx store.Tx) error {
		match, err := tx.GetMatch(m.matchID)
		if err != nil {
			return err
		}
		if !match.Active {
			return errStale
		}
		u, err := build(match)
		if err != nil {
			return err
		}
		return tx.UpdateMatch(m.matchID, u)
	})
	if errors.Is(err, errStale) {
		return nil
	}
	return err
}

func (m *Machine) publish() {
	v := m.View()
	select {
	case <-m.views:
	default:
	}
	select {
	case m.views <- v:
	default:
	}
}

// View computes the current view at the machine's clock.
func (m *Machine) View() View {
	s := m.State()
	return View{
		StageIndex:   s.StageIndex,
		Stage:        s.Stage(),
		Remaining:    s.Remaining(m.now()),
		AudioAllowed: s.Audio,
		Started:      s.Started,
		Ended:        s.Ended,
		Active:       s.Active,
	}
}
