// Package session owns everything one participant runs for one match: the
// signaling exchange, the stage machine, both monitors and the judge. All of
// it lives under a single context that Teardown cancels.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"debatenow/internal/apperrors"
	"debatenow/internal/debate"
	"debatenow/internal/disconnect"
	"debatenow/internal/dominance"
	"debatenow/internal/events"
	"debatenow/internal/judge"
	"debatenow/internal/signaling"
	"debatenow/internal/stats"
	"debatenow/internal/store"
	"debatenow/models"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultProbeInterval is how often the store connectivity probe runs.
const DefaultProbeInterval = 30 * time.Second

// ErrNotSeated is returned when the user holds no seat in the match.
var ErrNotSeated = apperrors.NewTerminal("NOT_SEATED", "You are not a participant of this debate.")

// errFinished stops the session group once the match is terminal.
var errFinished = errors.New("session: match finished")

type Options struct {
	Clock         clockwork.Clock
	TakeoverGrace time.Duration
	Grace         time.Duration
	ProbeInterval time.Duration

	Transcripts debate.TranscriptSource
	Audio       debate.AudioGate
	// Local enables dominance measurement; Remote adds the opponent's level.
	Local          dominance.VoiceActivitySource
	Remote         dominance.VoiceActivitySource
	Thresholds     dominance.Thresholds
	SampleInterval time.Duration

	// Oracle enables judging once the debate has ended.
	Oracle         judge.Oracle
	Policy         judge.PenaltyPolicy
	TranscriptWait time.Duration

	Stats  stats.Sink
	Events events.Publisher
	Logger zerolog.Logger
}

// Session is one participant's call in one match.
type Session struct {
	store   store.Store
	peer    signaling.Peer
	matchID string
	userID  string
	party   models.Party
	clock   clockwork.Clock
	probe   time.Duration
	log     zerolog.Logger

	exchange   *signaling.Exchange
	machine    *debate.Machine
	disconnect *disconnect.Monitor
	dominance  *dominance.Monitor
	judge      *judge.Judge

	errs     chan error
	verdicts chan *judge.Verdict

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	link     signaling.LinkState
	tornDown bool
}

// New checks that userID may (re)join the match and assembles its
// components. Nothing runs until Run.
func New(ctx context.Context, s store.Store, matchID, userID string, peer signaling.Peer, opts Options) (*Session, error) {
	match, err := s.GetMatch(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("load match: %w", err)
	}
	if err := disconnect.CheckRejoin(match, userID); err != nil {
		return nil, err
	}
	party, ok := match.PartyOf(userID)
	if !ok {
		return nil, ErrNotSeated
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.Events == nil {
		opts.Events = events.NopPublisher{}
	}
	logger := opts.Logger.With().Str("match_id", matchID).Str("user_id", userID).Logger()

	sess := &Session{
		store:    s,
		peer:     peer,
		matchID:  matchID,
		userID:   userID,
		party:    party,
		clock:    opts.Clock,
		probe:    opts.ProbeInterval,
		log:      logger.With().Str("component", "session").Logger(),
		errs:     make(chan error, 8),
		verdicts: make(chan *judge.Verdict, 1),
		link:     signaling.LinkNew,
	}
	sess.exchange = signaling.NewExchange(s, peer, matchID, party, logger)
	sess.machine = debate.NewMachine(s, matchID, party, debate.MachineOptions{
		Clock:         opts.Clock,
		TakeoverGrace: opts.TakeoverGrace,
		Transcripts:   opts.Transcripts,
		Audio:         opts.Audio,
		Logger:        logger,
	})
	sess.disconnect = disconnect.NewMonitor(s, matchID, userID, disconnect.Options{
		Grace:  opts.Grace,
		Clock:  opts.Clock,
		Stats:  opts.Stats,
		Events: opts.Events,
		Logger: logger,
	})
	if opts.Local != nil {
		sess.dominance = dominance.NewMonitor(s, matchID, party, opts.Local, dominance.Options{
			Clock:          opts.Clock,
			Thresholds:     opts.Thresholds,
			SampleInterval: opts.SampleInterval,
			Remote:         opts.Remote,
			Events:         opts.Events,
			Logger:         logger,
		})
	}
	if opts.Oracle != nil {
		sess.judge = judge.New(s, opts.Oracle, judge.Options{
			Policy:         opts.Policy,
			TranscriptWait: opts.TranscriptWait,
			Clock:          opts.Clock,
			Stats:          opts.Stats,
			Events:         opts.Events,
			Logger:         logger,
		})
	}
	return sess, nil
}

func (s *Session) Party() models.Party { return s.party }

func (s *Session) MatchID() string { return s.matchID }

// Views delivers stage machine views, latest first.
func (s *Session) Views() <-chan debate.View { return s.machine.Views() }

// View returns the current stage machine view.
func (s *Session) View() debate.View { return s.machine.View() }

// Warnings delivers dominance warnings for the local party. It is nil when
// dominance measurement is disabled.
func (s *Session) Warnings() <-chan dominance.Warning {
	if s.dominance == nil {
		return nil
	}
	return s.dominance.Warnings()
}

// Errors delivers advisories that do not stop the session, such as a failed
// store probe or a failed evaluation.
func (s *Session) Errors() <-chan error { return s.errs }

// Verdicts delivers the judged result once.
func (s *Session) Verdicts() <-chan *judge.Verdict { return s.verdicts }

// LinkState returns the last reported peer link state.
func (s *Session) LinkState() signaling.LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Run drives the session until ctx ends, Teardown is called or the match
// becomes terminal. Media and the peer are released before it returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.tornDown || s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return errors.New("session: already run")
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer close(s.done)
	defer s.release()

	s.log.Info().Str("party", string(s.party)).Msg("Session started")
	states := make(chan signaling.LinkState)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.exchange.Run(gctx) })
	g.Go(func() error { return s.machine.Run(gctx) })
	g.Go(func() error { return s.disconnect.Run(gctx, states) })
	g.Go(func() error { return s.forwardLinkStates(gctx, states) })
	g.Go(func() error { return s.followMatch(gctx) })
	g.Go(func() error { return s.probeStore(gctx) })
	if s.dominance != nil {
		g.Go(func() error { return s.dominance.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, errFinished) || ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Session stopped")
	} else {
		s.log.Info().Msg("Session finished")
	}
	return err
}

// forwardLinkStates feeds the disconnect monitor and starts the debate on
// the first connection.
func (s *Session) forwardLinkStates(ctx context.Context, out chan<- signaling.LinkState) error {
	in := s.peer.States()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-in:
			if !ok {
				return nil
			}
			s.mu.Lock()
			s.link = st
			s.mu.Unlock()
			s.log.Debug().Str("state", string(st)).Msg("Link state changed")
			if st == signaling.LinkConnected {
				s.machine.TryStart(debate.TriggerLinkConnected)
			}
			select {
			case out <- st:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// followMatch judges the debate once it has ended and finishes the session
// when the match turns inactive.
func (s *Session) followMatch(ctx context.Context) error {
	snapshots, err := s.store.WatchMatch(ctx, s.matchID)
	if err != nil {
		return fmt.Errorf("watch match: %w", err)
	}
	judged := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-snapshots:
			if !ok {
				return nil
			}
			if m.DebateEnded && !judged && s.judge != nil {
				judged = true
				if _, err := s.Judge(ctx); err != nil && ctx.Err() == nil {
					s.advise(err)
				}
			}
			if !m.Active {
				s.log.Info().Str("disconnected_user", m.DisconnectedUserID).Str("winner", m.Winner).Msg("Match is over")
				return errFinished
			}
		}
	}
}

// Judge asks for the verdict of the ended debate. It may be called again
// after an oracle failure.
func (s *Session) Judge(ctx context.Context) (*judge.Verdict, error) {
	if s.judge == nil {
		return nil, errors.New("session: judging is not configured")
	}
	v, err := s.judge.Run(ctx, s.matchID, s.userID)
	if err != nil {
		return nil, err
	}
	select {
	case s.verdicts <- v:
	default:
	}
	return v, nil
}

func (s *Session) probeStore(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.probe)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := s.store.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("Store probe failed")
				s.advise(apperrors.NewStoreUnreachable(err))
			}
		}
	}
}

func (s *Session) advise(err error) {
	select {
	case s.errs <- err:
	default:
		s.log.Warn().Err(err).Msg("Advisory dropped")
	}
}

// release mutes outbound audio and closes the peer.
func (s *Session) release() {
	if gate, ok := s.peer.(debate.AudioGate); ok {
		gate.SetAudioAllowed(false)
	}
	if err := s.peer.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Closing peer failed")
	}
}

// Teardown stops every component, closes the peer and waits for Run to
// return. It is safe to call more than once.
func (s *Session) Teardown() {
	s.mu.Lock()
	s.tornDown = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		s.release()
		return
	}
	cancel()
	<-done
}

// End leaves the debate voluntarily, conceding unless it has already ended,
// and tears the session down.
func (s *Session) End(ctx context.Context) error {
	err := s.disconnect.EndCall(ctx)
	s.Teardown()
	return err
}
