package audio

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/internal/media"
)

// ClockSink is a sink without a device: it consumes PCM in real time on a
// ticker and discards it. It is the default sink for headless playback and
// for tests, where Speed can run it faster than real time.
type ClockSink struct {
	// Period is the tick interval. Zero means 10ms.
	Period time.Duration
	// Speed multiplies the consumption rate. Zero means 1.
	Speed float64

	log    *slog.Logger
	volume atomic.Uint64 // math.Float64bits
	paused atomic.Bool
	// resumed makes the next tick restart the interval instead of
	// counting time spent paused.
	resumed atomic.Bool

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewClockSink returns a stopped sink at full volume.
func NewClockSink(log *slog.Logger) *ClockSink {
	if log == nil {
		log = slog.Default()
	}
	s := &ClockSink{log: log.With("component", "clock-sink")}
	s.volume.Store(math.Float64bits(1))
	return s
}

func (s *ClockSink) Start(format media.AudioFormat, src Source, fb chan<- Feedback) error {
	if format.BytesPerFrame() == 0 || format.SampleRate == 0 {
		return errors.New("audio: clock sink: invalid format " + format.String())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(format, src, fb)
	return nil
}

func (s *ClockSink) run(format media.AudioFormat, src Source, fb chan<- Feedback) {
	defer close(s.done)

	period := s.Period
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	speed := s.Speed
	if speed <= 0 {
		speed = 1
	}
	t := time.NewTicker(period)
	defer t.Stop()

	var (
		buf   []byte
		carry time.Duration
		last  = time.Now()
	)
	for {
		select {
		case <-s.stop:
			return
		case now := <-t.C:
			if s.paused.Load() || s.resumed.Swap(false) {
				last = now
				continue
			}
			want := time.Duration(float64(now.Sub(last))*speed) + carry
			last = now
			n := format.Bytes(want)
			carry = want - format.Duration(n)
			if n == 0 {
				continue
			}
			if cap(buf) < n {
				buf = make([]byte, n)
			}
			reports := s.consume(buf[:n], format, src)
			for _, r := range reports {
				select {
				case fb <- r:
				case <-s.stop:
					return
				}
			}
		}
	}
}

// consume reads len(p) bytes worth of playback from src, padding with
// silence, and returns one report per read.
func (s *ClockSink) consume(p []byte, format media.AudioFormat, src Source) []Feedback {
	var out []Feedback
	for len(p) > 0 {
		n, serial, err := src.ReadPCM(p)
		drained := errors.Is(err, io.EOF)
		if n == 0 {
			// Underrun or end of stream: the rest of the tick plays silence.
			return append(out, Feedback{Elapsed: format.Duration(len(p)), Serial: serial, Drained: drained})
		}
		out = append(out, Feedback{Elapsed: format.Duration(n), Serial: serial, Drained: drained})
		p = p[n:]
	}
	return out
}

func (s *ClockSink) SetPaused(paused bool) {
	if !s.paused.Swap(paused) || paused {
		return
	}
	s.resumed.Store(true)
}

func (s *ClockSink) SetVolume(v float64) { s.volume.Store(math.Float64bits(ClampVolume(v))) }

func (s *ClockSink) Volume() float64 { return math.Float64frombits(s.volume.Load()) }

// Close stops the ticker goroutine and waits for it. It is idempotent.
func (s *ClockSink) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	return nil
}
