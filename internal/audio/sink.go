// Package audio defines the audio output boundary of the player. A Sink
// pulls PCM from a Source at the rate it plays it and reports how much
// stream time was played, which is what drives the playback clock.
package audio

import (
	"errors"
	"time"

	"github.com/zsiec/reel/internal/media"
)

// ErrStarted is returned by Start on a sink that is already running.
var ErrStarted = errors.New("audio: sink already started")

// Source supplies PCM to a sink. ReadPCM copies up to len(p) bytes of the
// current serial and returns how many were copied, which may be zero when
// nothing is buffered. A single call never mixes serials. It returns io.EOF
// once the stream of the current serial has been fully read; a later seek
// makes data available again under a new serial.
type Source interface {
	ReadPCM(p []byte) (n int, serial uint64, err error)
}

// Feedback reports played audio. Elapsed is stream time played since the
// previous report, silence included. Drained is set once the sink has
// played everything up to the end of the stream of Serial.
type Feedback struct {
	Elapsed time.Duration
	Serial  uint64
	Drained bool
}

// Sink plays PCM. Implementations are safe for concurrent use.
type Sink interface {
	// Start begins pulling from src in format and sending reports on fb
	// until Close. Reports are sent blocking; the receiver must keep
	// reading until Close returns.
	Start(format media.AudioFormat, src Source, fb chan<- Feedback) error
	// SetPaused stops or resumes consumption. A paused sink sends no
	// reports.
	SetPaused(paused bool)
	// SetVolume sets the output gain, clamped to [0, 1].
	SetVolume(v float64)
	Volume() float64
	Close() error
}

// ClampVolume limits v to [0, 1].
func ClampVolume(v float64) float64 {
	switch {
	case v != v || v < 0: // NaN or negative
		return 0
	case v > 1:
		return 1
	}
	return v
}
