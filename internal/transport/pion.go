// Package transport adapts pion/webrtc to the signaling.Peer contract: one
// outbound audio track and one ordered, reliable chat channel per match.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"debatenow/internal/signaling"
	"debatenow/models"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
)

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

const (
	opusClockRate = 48000
	oggPagePace   = 20 * time.Millisecond
)

// chatChannelID is the pre-negotiated SCTP stream id of the chat channel, so
// neither side waits for an OnDataChannel announcement.
const chatChannelID uint16 = 0

// Config configures a PionPeer.
type Config struct {
	ICEServers []webrtc.ICEServer
	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host runs.
	IncludeLoopback bool
}

// ICEServersFromURLs builds an ICE server list. An empty list falls back to
// DefaultSTUNServers.
func ICEServersFromURLs(urls []string, username, credential string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return []webrtc.ICEServer{{URLs: DefaultSTUNServers}}
	}
	return []webrtc.ICEServer{{URLs: urls, Username: username, Credential: credential}}
}

// PionPeer is a signaling.Peer backed by a pion PeerConnection. Candidates
// trickle out as they are gathered. Reset swaps in a fresh connection; the
// candidate, state and chat queues outlive it.
type PionPeer struct {
	api *webrtc.API
	cfg Config
	log zerolog.Logger

	candidates chan string
	states     chan signaling.LinkState
	messages   chan []byte

	local  *Activity
	remote *Activity

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	audio        *webrtc.TrackLocalStaticSample
	chat         *webrtc.DataChannel
	connected    bool
	closed       bool
	audioEnabled bool
}

var _ signaling.Peer = (*PionPeer)(nil)

func NewPionPeer(cfg Config, logger zerolog.Logger) (*PionPeer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	p := &PionPeer{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(settingEngine)),
		cfg:        cfg,
		log:        logger.With().Str("component", "transport").Logger(),
		candidates: make(chan string, 64),
		states:     make(chan signaling.LinkState, 64),
		messages:   make(chan []byte, 64),
		local:      NewActivity(nil, 0),
		remote:     NewActivity(nil, 0),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect builds a peer connection with the audio track and chat channel and
// makes it current. Callbacks from a replaced connection are ignored.
func (p *PionPeer) connect() error {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "debatenow")
	if err != nil {
		pc.Close()
		return fmt.Errorf("create audio track: %w", err)
	}
	sender, err := pc.AddTrack(audio)
	if err != nil {
		pc.Close()
		return fmt.Errorf("add audio track: %w", err)
	}
	go drainRTCP(sender)

	ordered, negotiated, id := true, true, chatChannelID
	chat, err := pc.CreateDataChannel("chat", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		pc.Close()
		return fmt.Errorf("create chat channel: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !p.current(pc) {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.log.Warn().Err(err).Msg("Encoding local candidate failed")
			return
		}
		select {
		case p.candidates <- string(raw):
		default:
			p.log.Warn().Msg("Local candidate dropped, queue full")
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if p.current(pc) {
			p.handleConnectionState(s)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if !p.current(pc) {
			return
		}
		p.log.Info().Str("kind", track.Kind().String()).Msg("Inbound track")
		p.markConnected()
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go p.readAudio(track)
		}
	})
	chat.OnOpen(func() {
		if !p.current(pc) {
			return
		}
		p.log.Debug().Msg("Chat channel open")
		p.markConnected()
	})
	chat.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case p.messages <- msg.Data:
		default:
			p.log.Warn().Msg("Chat message dropped, queue full")
		}
	})

	p.mu.Lock()
	p.pc, p.audio, p.chat = pc, audio, chat
	p.connected = false
	p.mu.Unlock()
	return nil
}

func (p *PionPeer) current(pc *webrtc.PeerConnection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc == pc
}

func (p *PionPeer) conn() *webrtc.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc
}

// Reset closes the negotiated connection and starts a new one, for an
// opponent that rejoined with a new DTLS identity.
func (p *PionPeer) Reset() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("transport: peer closed")
	}
	old := p.pc
	p.mu.Unlock()
	if err := p.connect(); err != nil {
		return err
	}
	p.log.Info().Msg("Peer connection reset")
	if err := old.Close(); err != nil {
		p.log.Debug().Err(err).Msg("Closing replaced peer connection failed")
	}
	return nil
}

// readAudio feeds the remote activity estimate until the track ends.
func (p *PionPeer) readAudio(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.remote.Observe(len(pkt.Payload))
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func linkState(s webrtc.PeerConnectionState) signaling.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return signaling.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return signaling.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return signaling.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return signaling.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return signaling.LinkClosed
	}
	return signaling.LinkNew
}

func (p *PionPeer) handleConnectionState(s webrtc.PeerConnectionState) {
	state := linkState(s)
	p.log.Info().Str("state", string(state)).Msg("Peer connection state")
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case state == signaling.LinkConnected:
		if p.connected {
			return
		}
		p.connected = true
	case state.Lost():
		p.connected = false
	}
	p.emitLocked(state)
}

func (p *PionPeer) markConnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return
	}
	p.connected = true
	p.emitLocked(signaling.LinkConnected)
}

func (p *PionPeer) emitLocked(s signaling.LinkState) {
	if p.closed && s != signaling.LinkClosed {
		return
	}
	select {
	case p.states <- s:
	default:
		p.log.Warn().Str("state", string(s)).Msg("Link state dropped, queue full")
	}
}

func toModel(d *webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func (p *PionPeer) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	pc := p.conn()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return toModel(&offer), nil
}

func (p *PionPeer) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	pc := p.conn()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return toModel(&answer), nil
}

func (p *PionPeer) SetRemoteDescription(desc models.SessionDescription) error {
	return p.conn().SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (p *PionPeer) HasRemoteDescription() bool {
	return p.conn().RemoteDescription() != nil
}

func (p *PionPeer) AddICECandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.conn().AddICECandidate(init)
}

func (p *PionPeer) LocalCandidates() <-chan string { return p.candidates }

func (p *PionPeer) States() <-chan signaling.LinkState { return p.states }

// Messages yields chat messages from the opponent.
func (p *PionPeer) Messages() <-chan []byte { return p.messages }

// LocalActivity measures the audio this peer sends.
func (p *PionPeer) LocalActivity() *Activity { return p.local }

// RemoteActivity measures the opponent's inbound audio.
func (p *PionPeer) RemoteActivity() *Activity { return p.remote }

// SendChat writes one message on the chat channel.
func (p *PionPeer) SendChat(text string) error {
	p.mu.Lock()
	chat := p.chat
	p.mu.Unlock()
	if chat.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("transport: chat channel not open")
	}
	return chat.SendText(text)
}

// SetAudioAllowed gates outbound audio. Samples written while disallowed
// are dropped.
func (p *PionPeer) SetAudioAllowed(allowed bool) {
	p.mu.Lock()
	p.audioEnabled = allowed
	p.mu.Unlock()
}

// WriteAudio sends one encoded Opus frame if audio is currently allowed.
func (p *PionPeer) WriteAudio(frame []byte, duration time.Duration) error {
	p.mu.Lock()
	enabled, audio := p.audioEnabled, p.audio
	p.mu.Unlock()
	if !enabled {
		return nil
	}
	p.local.Observe(len(frame))
	return audio.WriteSample(media.Sample{Data: frame, Duration: duration})
}

// StreamOgg sends the Opus pages of an Ogg file at real-time pace until the
// file or ctx ends. Pages written while audio is disallowed are dropped.
func (p *PionPeer) StreamOgg(ctx context.Context, r io.Reader) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("open ogg: %w", err)
	}
	ticker := time.NewTicker(oggPagePace)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ogg page: %w", err)
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples) / opusClockRate * float64(time.Second))
		if err := p.WriteAudio(page, duration); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *PionPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.audioEnabled = false
	pc := p.pc
	p.mu.Unlock()
	return pc.Close()
}
