package models

import (
	"time"
)

// Party is one of the two deterministic seats in a match.
type Party string

const (
	PartyInitiator Party = "initiator"
	PartyReceiver  Party = "receiver"
)

// Opposite returns the other seat.
func (p Party) Opposite() Party {
	if p == PartyInitiator {
		return PartyReceiver
	}
	return PartyInitiator
}

// Disconnection reason codes written to Match.DisconnectionReason.
const (
	ReasonForfeit             = "forfeit"
	ReasonVoluntaryDisconnect = "voluntary_disconnect"
)

// SessionDescription is an SDP offer or answer as stored on the match.
// Generation numbers the initiator's offers; an answer carries the
// generation of the offer it answers.
type SessionDescription struct {
	Type       string `bson:"type" json:"type"`
	SDP        string `bson:"sdp" json:"sdp"`
	Generation int    `bson:"generation,omitempty" json:"generation,omitempty"`
}

// DominancePenalty records the one-time open discussion penalty.
type DominancePenalty struct {
	AppliedTo               Party     `bson:"appliedTo" json:"appliedTo"`
	Percentage              float64   `bson:"percentage" json:"percentage"`
	InitiatorSpeakingTimeMs int64     `bson:"initiatorSpeakingTimeMs" json:"initiatorSpeakingTimeMs"`
	ReceiverSpeakingTimeMs  int64     `bson:"receiverSpeakingTimeMs" json:"receiverSpeakingTimeMs"`
	Timestamp               time.Time `bson:"timestamp" json:"timestamp"`
}

// OpenDiscussionStats are the per-party totals flushed when the open
// discussion stage ends.
type OpenDiscussionStats struct {
	InitiatorSpeakingTimeMs int64     `bson:"initiatorSpeakingTimeMs" json:"initiatorSpeakingTimeMs"`
	ReceiverSpeakingTimeMs  int64     `bson:"receiverSpeakingTimeMs" json:"receiverSpeakingTimeMs"`
	ReportedBy              Party     `bson:"reportedBy" json:"reportedBy"`
	EndedAt                 time.Time `bson:"endedAt" json:"endedAt"`
}

// Match is the shared record both parties coordinate through.
type Match struct {
	ID            string    `bson:"_id" json:"id"`
	InitiatorID   string    `bson:"initiatorId" json:"initiatorId"`
	ReceiverID    string    `bson:"receiverId" json:"receiverId"`
	InitiatorRole string    `bson:"initiatorRole" json:"initiatorRole"`
	ReceiverRole  string    `bson:"receiverRole" json:"receiverRole"`
	InitiatorName string    `bson:"initiatorName,omitempty" json:"initiatorName,omitempty"`
	ReceiverName  string    `bson:"receiverName,omitempty" json:"receiverName,omitempty"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
	Active        bool      `bson:"active" json:"active"`

	DebateStarted    bool       `bson:"debateStarted" json:"debateStarted"`
	DebateStageIndex int        `bson:"debateStageIndex" json:"debateStageIndex"`
	StageStartTime   *time.Time `bson:"stageStartTime,omitempty" json:"stageStartTime,omitempty"`
	DebateEnded      bool       `bson:"debateEnded" json:"debateEnded"`

	Offer  *SessionDescription `bson:"offer,omitempty" json:"offer,omitempty"`
	Answer *SessionDescription `bson:"answer,omitempty" json:"answer,omitempty"`
	// RenegotiateGeneration names an offer whose answer belongs to a
	// receiver connection that has since been replaced.
	RenegotiateGeneration int `bson:"renegotiateGeneration,omitempty" json:"renegotiateGeneration,omitempty"`

	DominancePenalty    *DominancePenalty    `bson:"dominancePenalty,omitempty" json:"dominancePenalty,omitempty"`
	OpenDiscussionStats *OpenDiscussionStats `bson:"openDiscussionStats,omitempty" json:"openDiscussionStats,omitempty"`

	DisconnectedUserID  string `bson:"disconnectedUserId,omitempty" json:"disconnectedUserId,omitempty"`
	DisconnectionReason string `bson:"disconnectionReason,omitempty" json:"disconnectionReason,omitempty"`

	InitiatorTranscript string `bson:"initiatorTranscript,omitempty" json:"initiatorTranscript,omitempty"`
	ReceiverTranscript  string `bson:"receiverTranscript,omitempty" json:"receiverTranscript,omitempty"`
	JudgingClaimedBy    string `bson:"judgingClaimedBy,omitempty" json:"judgingClaimedBy,omitempty"`
	Evaluation          string `bson:"evaluation,omitempty" json:"evaluation,omitempty"`
	Winner              string `bson:"winner,omitempty" json:"winner,omitempty"`

	CleanedUp bool       `bson:"cleanedUp,omitempty" json:"cleanedUp,omitempty"`
	EndedAt   *time.Time `bson:"endedAt,omitempty" json:"endedAt,omitempty"`
}

// PartyOf reports which seat userID holds in the match.
func (m *Match) PartyOf(userID string) (Party, bool) {
	switch userID {
	case m.InitiatorID:
		return PartyInitiator, true
	case m.ReceiverID:
		return PartyReceiver, true
	}
	return "", false
}

// UserFor returns the user id seated as p.
func (m *Match) UserFor(p Party) string {
	if p == PartyInitiator {
		return m.InitiatorID
	}
	return m.ReceiverID
}

// RoleFor returns the debate role (character) played by p.
func (m *Match) RoleFor(p Party) string {
	if p == PartyInitiator {
		return m.InitiatorRole
	}
	return m.ReceiverRole
}

// Opponent returns the other participant of userID, or "" when userID is
// not a participant.
func (m *Match) Opponent(userID string) string {
	p, ok := m.PartyOf(userID)
	if !ok {
		return ""
	}
	return m.UserFor(p.Opposite())
}

// TranscriptFor returns the transcript captured by p.
func (m *Match) TranscriptFor(p Party) string {
	if p == PartyInitiator {
		return m.InitiatorTranscript
	}
	return m.ReceiverTranscript
}

// Scored reports whether a winner or evaluation has been written.
func (m *Match) Scored() bool {
	return m.Winner != "" || m.Evaluation != ""
}

// Clone returns a deep copy so callers never share pointer fields.
func (m *Match) Clone() *Match {
	c := *m
	if m.StageStartTime != nil {
		t := *m.StageStartTime
		c.StageStartTime = &t
	}
	if m.EndedAt != nil {
		t := *m.EndedAt
		c.EndedAt = &t
	}
	if m.Offer != nil {
		o := *m.Offer
		c.Offer = &o
	}
	if m.Answer != nil {
		a := *m.Answer
		c.Answer = &a
	}
	if m.DominancePenalty != nil {
		p := *m.DominancePenalty
		c.DominancePenalty = &p
	}
	if m.OpenDiscussionStats != nil {
		s := *m.OpenDiscussionStats
		c.OpenDiscussionStats = &s
	}
	return &c
}
