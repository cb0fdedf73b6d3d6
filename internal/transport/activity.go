package transport

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// dtxPayloadMax is the largest Opus payload treated as comfort noise.
	// Frames above it carry speech.
	dtxPayloadMax = 10
	// DefaultActivityWindow is how long one speech frame keeps a stream
	// counted as speaking.
	DefaultActivityWindow = 150 * time.Millisecond
)

// Activity estimates voice activity of one Opus stream from frame sizes.
// It satisfies dominance.VoiceActivitySource.
type Activity struct {
	clock  clockwork.Clock
	window time.Duration
	last   atomic.Int64
}

func NewActivity(clock clockwork.Clock, window time.Duration) *Activity {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = DefaultActivityWindow
	}
	return &Activity{clock: clock, window: window}
}

// Observe records one frame of payloadLen bytes.
func (a *Activity) Observe(payloadLen int) {
	if payloadLen > dtxPayloadMax {
		a.last.Store(a.clock.Now().UnixNano())
	}
}

// Level is 1 while a speech frame was seen within the window, else 0.
func (a *Activity) Level() float64 {
	last := a.last.Load()
	if last == 0 {
		return 0
	}
	if a.clock.Since(time.Unix(0, last)) <= a.window {
		return 1
	}
	return 0
}
