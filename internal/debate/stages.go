// Package debate drives the fixed schedule of timed debate stages. Both
// seats derive the time left from the stage start time stored on the match,
// never from a local countdown.
package debate

import (
	"time"
)

// Speaker names who may transmit audio during a stage.
type Speaker string

const (
	SpeakerInitiator Speaker = "initiator"
	SpeakerReceiver  Speaker = "receiver"
	SpeakerBoth      Speaker = "both"
	SpeakerNone      Speaker = "none"
)

// Stage is one timed phase of the schedule.
type Stage struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Speaker  Speaker       `json:"speaker"`
}

// Stages is the schedule every match follows.
var Stages = []Stage{
	{Name: "First Speaker", Duration: 45 * time.Second, Speaker: SpeakerInitiator},
	{Name: "Second Speaker", Duration: 45 * time.Second, Speaker: SpeakerReceiver},
	{Name: "Open Discussion", Duration: 300 * time.Second, Speaker: SpeakerBoth},
	{Name: "First Speaker Closing", Duration: 45 * time.Second, Speaker: SpeakerInitiator},
	{Name: "Second Speaker Closing", Duration: 45 * time.Second, Speaker: SpeakerReceiver},
	{Name: "Debate Ended", Duration: 0, Speaker: SpeakerNone},
}

// FinalStage is the index of the terminal stage.
var FinalStage = len(Stages) - 1

// StageAt returns the stage at index i, clamped to the schedule.
func StageAt(i int) Stage {
	if i < 0 {
		return Stages[0]
	}
	if i > FinalStage {
		return Stages[FinalStage]
	}
	return Stages[i]
}

// Remaining is max(0, duration - (now - start)). It depends only on its
// arguments, so every caller computing it from the stored start time agrees.
func Remaining(stage Stage, start, now time.Time) time.Duration {
	left := stage.Duration - now.Sub(start)
	if left < 0 {
		return 0
	}
	return left
}

// AudioAllowed reports whether a seat may transmit during stage.
func AudioAllowed(stage Stage, isInitiator bool) bool {
	switch stage.Speaker {
	case SpeakerBoth:
		return true
	case SpeakerInitiator:
		return isInitiator
	case SpeakerReceiver:
		return !isInitiator
	}
	return false
}
