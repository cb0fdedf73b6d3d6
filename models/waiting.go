package models

import (
	"time"
)

// WaitingEntry is a user in the matchmaking pool
type WaitingEntry struct {
	ID          string    `bson:"_id" json:"id"`
	UserID      string    `bson:"userId" json:"userId"`
	Role        string    `bson:"role" json:"role"`
	DisplayName string    `bson:"displayName" json:"displayName"`
	JoinedAt    time.Time `bson:"joinedAt" json:"joinedAt"`
}

// CandidateRole partitions ICE candidates into one stream per direction.
type CandidateRole string

const (
	CandidateOfferer  CandidateRole = "offerer"
	CandidateAnswerer CandidateRole = "answerer"
)

// Opposite returns the stream written by the other side.
func (r CandidateRole) Opposite() CandidateRole {
	if r == CandidateOfferer {
		return CandidateAnswerer
	}
	return CandidateOfferer
}

// CandidateRoleFor maps a match seat onto its signaling direction.
func CandidateRoleFor(p Party) CandidateRole {
	if p == PartyInitiator {
		return CandidateOfferer
	}
	return CandidateAnswerer
}

// IceCandidateRecord is an append-only ICE candidate published by one side.
// Candidate holds the JSON encoding of an RTCIceCandidateInit.
type IceCandidateRecord struct {
	ID        string        `bson:"_id" json:"id"`
	MatchID   string        `bson:"matchId" json:"matchId"`
	Role      CandidateRole `bson:"role" json:"role"`
	Candidate string        `bson:"candidate" json:"candidate"`
	Timestamp time.Time     `bson:"timestamp" json:"timestamp"`
}

// UserStats is the win/loss record kept per user.
type UserStats struct {
	UserID      string `bson:"_id" json:"userId"`
	DisplayName string `bson:"displayName,omitempty" json:"displayName,omitempty"`
	Wins        int    `bson:"wins" json:"wins"`
	Losses      int    `bson:"losses" json:"losses"`
	Streak      int    `bson:"streak" json:"streak"`

	Rating           float64   `bson:"rating" json:"rating"`
	RD               float64   `bson:"rd" json:"rd"`
	Volatility       float64   `bson:"volatility" json:"volatility"`
	LastRatingUpdate time.Time `bson:"lastRatingUpdate,omitempty" json:"lastRatingUpdate,omitempty"`
}
