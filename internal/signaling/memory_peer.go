package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"debatenow/models"
)

// MemoryPeer is an in-process Peer for tests and dry runs. It reports
// LinkConnected once it holds both descriptions and has applied at least
// one remote candidate.
type MemoryPeer struct {
	name       string
	candidates []string

	mu        sync.Mutex
	local     *models.SessionDescription
	remote    *models.SessionDescription
	applied   []string
	connected bool
	closed    bool
	resets    int

	// RejectCandidate, when set, decides whether AddICECandidate fails.
	RejectCandidate func(candidate string) bool

	localCh chan string
	stateCh chan LinkState
}

var _ Peer = (*MemoryPeer)(nil)

// NewMemoryPeer returns a peer that gathers the given local candidates
// after its local description is installed.
func NewMemoryPeer(name string, candidates ...string) *MemoryPeer {
	return &MemoryPeer{
		name:       name,
		candidates: candidates,
		localCh:    make(chan string, 4*(len(candidates)+1)),
		stateCh:    make(chan LinkState, 64),
	}
}

var errPeerClosed = errors.New("memory peer: closed")

func (p *MemoryPeer) describe(kind string) (models.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return models.SessionDescription{}, errPeerClosed
	}
	if kind == "answer" && p.remote == nil {
		return models.SessionDescription{}, errors.New("memory peer: answer without remote offer")
	}
	desc := models.SessionDescription{Type: kind, SDP: fmt.Sprintf("v=0\r\no=%s\r\n", p.name)}
	first := p.local == nil
	p.local = &desc
	if first {
		for _, c := range p.candidates {
			select {
			case p.localCh <- c:
			default:
			}
		}
		p.emitLocked(LinkConnecting)
	}
	p.checkConnectedLocked()
	return desc, nil
}

func (p *MemoryPeer) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	return p.describe("offer")
}

func (p *MemoryPeer) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	return p.describe("answer")
}

func (p *MemoryPeer) SetRemoteDescription(desc models.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	if p.remote != nil {
		return errors.New("memory peer: remote description already set")
	}
	p.remote = &desc
	p.checkConnectedLocked()
	return nil
}

func (p *MemoryPeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *MemoryPeer) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	p.local, p.remote, p.applied = nil, nil, nil
	p.connected = false
	p.resets++
	return nil
}

// Resets reports how many times the session was renegotiated.
func (p *MemoryPeer) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// RemoteDescription returns the installed remote description, if any.
func (p *MemoryPeer) RemoteDescription() *models.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *MemoryPeer) AddICECandidate(candidate string) error {
	if p.RejectCandidate != nil && p.RejectCandidate(candidate) {
		return fmt.Errorf("memory peer: candidate %q rejected", candidate)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	if p.remote == nil {
		return errors.New("memory peer: candidate before remote description")
	}
	p.applied = append(p.applied, candidate)
	p.checkConnectedLocked()
	return nil
}

// Applied returns the remote candidates applied so far, in order.
func (p *MemoryPeer) Applied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

func (p *MemoryPeer) LocalCandidates() <-chan string { return p.localCh }

func (p *MemoryPeer) States() <-chan LinkState { return p.stateCh }

// SetState injects a link state change, as a flaky network would.
func (p *MemoryPeer) SetState(s LinkState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == LinkConnected {
		p.connected = true
	} else if s.Lost() {
		p.connected = false
	}
	p.emitLocked(s)
}

func (p *MemoryPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.emitLocked(LinkClosed)
	return nil
}

// Closed reports whether Close was called.
func (p *MemoryPeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *MemoryPeer) checkConnectedLocked() {
	if p.connected || p.local == nil || p.remote == nil || len(p.applied) == 0 {
		return
	}
	p.connected = true
	p.emitLocked(LinkConnected)
}

func (p *MemoryPeer) emitLocked(s LinkState) {
	select {
	case p.stateCh <- s:
	default:
	}
}
