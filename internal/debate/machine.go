package debate

import (
	"time"

	"debatenow/models"
)

// DefaultTakeoverGrace is how long past a stage deadline the receiver waits
// for the initiator to advance before advancing itself.
const DefaultTakeoverGrace = 3 * time.Second

// State is one seat's view of the debate.
type State struct {
	Party         models.Party
	TakeoverGrace time.Duration

	Active     bool
	Started    bool
	StageIndex int
	// StageStart is the store-assigned start of the current stage.
	StageStart time.Time
	Ended      bool
	Audio      bool

	wantStart      bool
	startPending   bool
	advancePending int
	endPending     bool
}

// NewState returns the initial state of seat party.
func NewState(party models.Party, takeoverGrace time.Duration) State {
	if takeoverGrace <= 0 {
		takeoverGrace = DefaultTakeoverGrace
	}
	return State{
		Party:          party,
		TakeoverGrace:  takeoverGrace,
		Active:         true,
		advancePending: -1,
	}
}

// Stage returns the current stage.
func (s State) Stage() Stage { return StageAt(s.StageIndex) }

// Remaining is the time left in the current stage at now.
func (s State) Remaining(now time.Time) time.Duration {
	if !s.Started {
		return StageAt(0).Duration
	}
	return Remaining(s.Stage(), s.StageStart, now)
}

// owns reports whether this seat writes the transition due at now. The
// initiator always does; the receiver only once the deadline has been
// missed by the takeover grace.
func (s State) owns(now time.Time) bool {
	if s.Party == models.PartyInitiator {
		return true
	}
	deadline := s.StageStart.Add(s.Stage().Duration + s.TakeoverGrace)
	return !now.Before(deadline)
}

// Event is an input to Transition.
type Event interface{ isEvent() }

// StartRequested asks to begin the debate. Every auto-start trigger sends
// it; only the first has an effect.
type StartRequested struct{ Trigger string }

// Tick is the one-second local clock.
type Tick struct{ Now time.Time }

// Snapshot is a new version of the match record.
type Snapshot struct{ Match *models.Match }

// PersistFailed reports that a persist effect could not be written and may
// be retried.
type PersistFailed struct{ Effect Effect }

func (StartRequested) isEvent() {}
func (Tick) isEvent()           {}
func (Snapshot) isEvent()       {}
func (PersistFailed) isEvent()  {}

// Effect is an output of Transition for the runtime to carry out.
type Effect interface{ isEffect() }

// PersistStart writes debateStarted with stage 0, unless already started.
type PersistStart struct{}

// PersistAdvance moves the stored stage from From to To, unless another
// writer already moved it.
type PersistAdvance struct{ From, To int }

// PersistEnd writes debateEnded.
type PersistEnd struct{}

// ResetTicker restarts the local tick against the new stage start.
type ResetTicker struct{}

// SetAudio gates outbound audio.
type SetAudio struct{ Allowed bool }

// StageEntered announces a new current stage.
type StageEntered struct{ Index int }

// CaptureTranscripts asks the seat to store its accumulated transcript.
type CaptureTranscripts struct{}

func (PersistStart) isEffect()       {}
func (PersistAdvance) isEffect()     {}
func (PersistEnd) isEffect()         {}
func (ResetTicker) isEffect()        {}
func (SetAudio) isEffect()           {}
func (StageEntered) isEffect()       {}
func (CaptureTranscripts) isEffect() {}

// Transition is the pure state machine of one seat.
func Transition(s State, ev Event) (State, []Effect) {
	switch ev := ev.(type) {
	case StartRequested:
		return onStart(s)
	case Tick:
		return onTick(s, ev.Now)
	case Snapshot:
		return onSnapshot(s, ev.Match)
	case PersistFailed:
		switch ev.Effect.(type) {
		case PersistStart:
			s.startPending = false
		case PersistAdvance:
			s.advancePending = -1
		case PersistEnd:
			s.endPending = false
		}
	}
	return s, nil
}

func onStart(s State) (State, []Effect) {
	if s.Started || s.startPending || s.Ended || !s.Active {
		return s, nil
	}
	s.wantStart = true
	s.startPending = true
	return s, []Effect{PersistStart{}}
}

func onTick(s State, now time.Time) (State, []Effect) {
	if s.Ended || !s.Active {
		return s, nil
	}
	if !s.Started {
		// A start write that failed is retried on the next tick.
		if s.wantStart && !s.startPending {
			s.startPending = true
			return s, []Effect{PersistStart{}}
		}
		return s, nil
	}
	if Remaining(s.Stage(), s.StageStart, now) > 0 || !s.owns(now) {
		return s, nil
	}
	if s.StageIndex >= FinalStage {
		if s.endPending {
			return s, nil
		}
		s.endPending = true
		return s, []Effect{PersistEnd{}}
	}
	if s.advancePending == s.StageIndex {
		return s, nil
	}
	s.advancePending = s.StageIndex
	return s, []Effect{PersistAdvance{From: s.StageIndex, To: s.StageIndex + 1}}
}

func onSnapshot(s State, m *models.Match) (State, []Effect) {
	var effects []Effect
	if !m.Active && s.Active {
		s.Active = false
		if s.Audio {
			s.Audio = false
			effects = append(effects, SetAudio{Allowed: false})
		}
		return s, effects
	}

	if m.DebateStarted && m.StageStartTime != nil {
		moved := !s.Started || m.DebateStageIndex != s.StageIndex
		rebased := moved || !m.StageStartTime.Equal(s.StageStart)
		if rebased {
			s.Started = true
			s.startPending = false
			s.StageIndex = m.DebateStageIndex
			s.StageStart = *m.StageStartTime
			s.advancePending = -1
			effects = append(effects, ResetTicker{})
		}
		if moved {
			effects = append(effects, StageEntered{Index: s.StageIndex})
		}
		if allowed := AudioAllowed(s.Stage(), s.Party == models.PartyInitiator) && !m.DebateEnded; allowed != s.Audio || moved {
			s.Audio = allowed
			effects = append(effects, SetAudio{Allowed: allowed})
		}
	}

	if m.DebateEnded && !s.Ended {
		s.Ended = true
		s.endPending = false
		if s.Audio {
			s.Audio = false
			effects = append(effects, SetAudio{Allowed: false})
		}
		effects = append(effects, CaptureTranscripts{})
	}
	return s, effects
}
