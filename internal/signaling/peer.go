package signaling

import (
	"context"

	"debatenow/models"
)

// LinkState is the connection state reported by the peer-to-peer layer.
type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// Lost reports whether s means the link is down.
func (s LinkState) Lost() bool {
	return s == LinkDisconnected || s == LinkFailed || s == LinkClosed
}

// Peer is one end of the peer-to-peer session being negotiated.
type Peer interface {
	// CreateOffer creates a session offer and installs it as the local
	// description.
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	// CreateAnswer answers the installed remote offer and installs the
	// answer as the local description.
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetRemoteDescription(desc models.SessionDescription) error
	HasRemoteDescription() bool
	// Reset drops the negotiated session so the peer can negotiate again
	// with an opponent on a new connection. Candidates are gathered anew.
	Reset() error
	// AddICECandidate applies a JSON-encoded remote candidate.
	AddICECandidate(candidate string) error
	// LocalCandidates yields JSON-encoded local candidates as they are
	// gathered.
	LocalCandidates() <-chan string
	// States yields link state changes. Inbound media or an opened data
	// channel is reported as LinkConnected.
	States() <-chan LinkState
	Close() error
}
