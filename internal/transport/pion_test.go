package transport

import (
	"context"
	"testing"
	"time"

	"debatenow/internal/signaling"
	"debatenow/internal/store"
	"debatenow/models"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

func TestICEServersFromURLs(t *testing.T) {
	servers := ICEServersFromURLs(nil, "", "")
	if len(servers) != 1 || len(servers[0].URLs) != 2 {
		t.Fatalf("expected the default STUN pair, got %+v", servers)
	}
	servers = ICEServersFromURLs([]string{"turn:turn.example.org:3478"}, "u", "p")
	if servers[0].Username != "u" || servers[0].Credential != "p" {
		t.Errorf("credentials not carried: %+v", servers[0])
	}
}

func TestLinkStateMapping(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want signaling.LinkState
	}{
		{webrtc.PeerConnectionStateNew, signaling.LinkNew},
		{webrtc.PeerConnectionStateConnecting, signaling.LinkConnecting},
		{webrtc.PeerConnectionStateConnected, signaling.LinkConnected},
		{webrtc.PeerConnectionStateDisconnected, signaling.LinkDisconnected},
		{webrtc.PeerConnectionStateFailed, signaling.LinkFailed},
		{webrtc.PeerConnectionStateClosed, signaling.LinkClosed},
	}
	for _, tt := range tests {
		if got := linkState(tt.in); got != tt.want {
			t.Errorf("linkState(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// TestLoopbackNegotiation negotiates two real peer connections on the
// loopback interface, signaling through an in-memory store.
func TestLoopbackNegotiation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC negotiation in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	s := store.NewMemoryStore(clockwork.NewRealClock())
	defer s.Close(context.Background())
	var matchID string
	err := s.RunTransaction(ctx, func(tx store.Tx) error {
		var err error
		matchID, err = tx.CreateMatch(&models.Match{InitiatorID: "a", ReceiverID: "b", Active: true})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{IncludeLoopback: true}
	offerer, err := NewPionPeer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("offerer: %v", err)
	}
	defer offerer.Close()
	answerer, err := NewPionPeer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("answerer: %v", err)
	}
	defer answerer.Close()

	go signaling.NewExchange(s, offerer, matchID, models.PartyInitiator, zerolog.Nop()).Run(ctx)
	go signaling.NewExchange(s, answerer, matchID, models.PartyReceiver, zerolog.Nop()).Run(ctx)

	for _, p := range []*PionPeer{offerer, answerer} {
		for connected := false; !connected; {
			select {
			case st := <-p.States():
				connected = st == signaling.LinkConnected
			case <-ctx.Done():
				t.Fatal("peers never connected")
			}
		}
	}

	// The chat channel may open a moment after the transport connects.
	deadline := time.Now().Add(5 * time.Second)
	for offerer.SendChat("hello") != nil {
		if time.Now().After(deadline) {
			t.Fatal("chat channel never opened")
		}
		time.Sleep(50 * time.Millisecond)
	}
	select {
	case msg := <-answerer.Messages():
		if string(msg) != "hello" {
			t.Errorf("expected hello, got %q", msg)
		}
	case <-ctx.Done():
		t.Fatal("chat message never arrived")
	}
}

func TestResetReplacesConnection(t *testing.T) {
	p, err := NewPionPeer(Config{IncludeLoopback: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	first, err := p.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("first offer: %v", err)
	}
	old := p.conn()
	if err := p.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if p.conn() == old {
		t.Fatal("expected a new peer connection")
	}
	if old.ConnectionState() != webrtc.PeerConnectionStateClosed {
		t.Errorf("expected the replaced connection closed, got %s", old.ConnectionState())
	}
	second, err := p.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if second.SDP == first.SDP {
		t.Error("expected fresh ICE credentials after reset")
	}

	p.Close()
	if err := p.Reset(); err == nil {
		t.Error("expected reset of a closed peer to fail")
	}
}
