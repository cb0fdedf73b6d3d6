// Package dominance measures how the open discussion is shared between the
// two parties and penalizes a party that monopolizes it.
package dominance

import (
	"time"

	"debatenow/models"
)

const (
	DefaultSampleInterval = 500 * time.Millisecond
	DefaultSpeakingLevel  = 0.05
	DefaultMinTotal       = 10 * time.Second
	DefaultWarningShare   = 0.55
	DefaultPenaltyShare   = 0.75
)

// Thresholds configure Evaluate.
type Thresholds struct {
	// SpeakingLevel is the activity level above which a party is speaking.
	SpeakingLevel float64
	// MinTotal is the speaking time needed before shares are judged.
	MinTotal     time.Duration
	WarningShare float64
	PenaltyShare float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SpeakingLevel: DefaultSpeakingLevel,
		MinTotal:      DefaultMinTotal,
		WarningShare:  DefaultWarningShare,
		PenaltyShare:  DefaultPenaltyShare,
	}
}

// Tracker accumulates speaking time per party from periodic samples.
type Tracker struct {
	Initiator time.Duration
	Receiver  time.Duration
	// Current is the last detected speaker, or "" for nobody.
	Current models.Party
	Last    time.Time
}

func NewTracker(start time.Time) *Tracker {
	return &Tracker{Last: start}
}

// Sample credits the time since the previous sample to the previous
// speaker, then records speaker as current.
func (t *Tracker) Sample(now time.Time, speaker models.Party) {
	if elapsed := now.Sub(t.Last); elapsed > 0 {
		switch t.Current {
		case models.PartyInitiator:
			t.Initiator += elapsed
		case models.PartyReceiver:
			t.Receiver += elapsed
		}
	}
	t.Last = now
	t.Current = speaker
}

func (t *Tracker) Total() time.Duration { return t.Initiator + t.Receiver }

// Stats returns the totals as stored on the match.
func (t *Tracker) Stats(reportedBy models.Party, endedAt time.Time) models.OpenDiscussionStats {
	return models.OpenDiscussionStats{
		InitiatorSpeakingTimeMs: t.Initiator.Milliseconds(),
		ReceiverSpeakingTimeMs:  t.Receiver.Milliseconds(),
		ReportedBy:              reportedBy,
		EndedAt:                 endedAt,
	}
}

// Verdict is the judgement of the larger speaking share.
type Verdict struct {
	Party    models.Party
	Share    float64
	Warn     bool
	Penalize bool
}

// Evaluate judges the speaking times. It returns the zero Verdict until the
// total reaches th.MinTotal.
func Evaluate(initiator, receiver time.Duration, th Thresholds) Verdict {
	total := initiator + receiver
	if total <= 0 || total < th.MinTotal {
		return Verdict{}
	}
	v := Verdict{Party: models.PartyInitiator, Share: float64(initiator) / float64(total)}
	if receiver > initiator {
		v = Verdict{Party: models.PartyReceiver, Share: float64(receiver) / float64(total)}
	}
	v.Warn = v.Share > th.WarningShare
	v.Penalize = v.Share > th.PenaltyShare
	return v
}

// speakerOf picks the speaking party from both activity levels. When both
// talk at once the louder one holds the floor.
func speakerOf(local models.Party, localLevel, remoteLevel, threshold float64) models.Party {
	localOn, remoteOn := localLevel > threshold, remoteLevel > threshold
	switch {
	case localOn && remoteOn:
		if remoteLevel > localLevel {
			return local.Opposite()
		}
		return local
	case localOn:
		return local
	case remoteOn:
		return local.Opposite()
	}
	return ""
}
