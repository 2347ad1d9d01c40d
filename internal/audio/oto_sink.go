//go:build oto

package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hajimehoshi/oto/v2"

	"github.com/zsiec/reel/internal/media"
)

// oto allows one context per process; it is created for the first format
// requested and reused after that.
var (
	otoOnce    sync.Once
	otoCtx     *oto.Context
	otoFormat  media.AudioFormat
	otoInitErr error
)

func otoContext(f media.AudioFormat) (*oto.Context, error) {
	otoOnce.Do(func() {
		sf := oto.FormatSignedInt16LE
		if f.Sample == media.SampleF32 {
			sf = oto.FormatFloat32LE
		}
		ctx, ready, err := oto.NewContext(f.SampleRate, f.Channels, sf)
		if err != nil {
			otoInitErr = fmt.Errorf("audio: oto context: %w", err)
			return
		}
		<-ready
		otoCtx, otoFormat = ctx, f
	})
	if otoInitErr != nil {
		return nil, otoInitErr
	}
	if f != otoFormat {
		return nil, fmt.Errorf("audio: oto context is %s, cannot play %s", otoFormat, f)
	}
	return otoCtx, nil
}

// OtoSink plays through the system audio device. Played time is measured
// as bytes handed to the device minus what it still has buffered.
type OtoSink struct {
	log *slog.Logger

	mu      sync.Mutex
	player  oto.Player
	reader  *otoReader
	volume  float64
	paused  bool
	stop    chan struct{}
	done    chan struct{}
	started bool
}

func init() {
	RegisterBackend("oto", func(log *slog.Logger) Sink { return NewOtoSink(log) })
}

// NewOtoSink returns a sink bound to the default output device.
func NewOtoSink(log *slog.Logger) *OtoSink {
	if log == nil {
		log = slog.Default()
	}
	return &OtoSink{log: log.With("component", "oto-sink"), volume: 1}
}

func (s *OtoSink) Start(format media.AudioFormat, src Source, fb chan<- Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	ctx, err := otoContext(format)
	if err != nil {
		return err
	}
	s.reader = &otoReader{src: src, bpf: format.BytesPerFrame()}
	s.player = ctx.NewPlayer(s.reader)
	s.player.SetVolume(s.volume)
	if !s.paused {
		s.player.Play()
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.started = true
	go s.report(format, fb)
	s.log.Info("audio device started", "format", format.String())
	return nil
}

// report turns device progress into Feedback every 10ms.
func (s *OtoSink) report(format media.AudioFormat, fb chan<- Feedback) {
	defer close(s.done)
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()

	var played int64
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
		}
		s.mu.Lock()
		if s.paused {
			s.mu.Unlock()
			continue
		}
		pos := s.reader.total() - int64(s.player.UnplayedBufferSize())
		s.mu.Unlock()
		if pos <= played {
			continue
		}
		for _, r := range s.reader.advance(played, pos, format) {
			select {
			case fb <- r:
			case <-s.stop:
				return
			}
		}
		played = pos
	}
}

func (s *OtoSink) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
	if s.player == nil {
		return
	}
	if paused {
		s.player.Pause()
	} else {
		s.player.Play()
	}
}

func (s *OtoSink) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = ClampVolume(v)
	if s.player != nil {
		s.player.SetVolume(s.volume)
	}
}

func (s *OtoSink) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *OtoSink) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stop, done, p := s.stop, s.done, s.player
	s.player = nil
	s.mu.Unlock()

	close(stop)
	<-done
	return p.Close()
}

// otoReader feeds the device from a Source, filling gaps with silence, and
// remembers which serial each byte range came from.
type otoReader struct {
	src Source
	bpf int

	mu    sync.Mutex
	pos   int64
	spans []span
}

type span struct {
	end     int64
	serial  uint64
	drained bool
}

func (r *otoReader) Read(p []byte) (int, error) {
	p = p[:len(p)/r.bpf*r.bpf]
	if len(p) == 0 {
		return 0, nil
	}
	n, serial, err := r.src.ReadPCM(p)
	drained := errors.Is(err, io.EOF)
	if n == 0 {
		clear(p)
		n = len(p)
	}
	r.mu.Lock()
	r.pos += int64(n)
	r.spans = append(r.spans, span{end: r.pos, serial: serial, drained: drained})
	r.mu.Unlock()
	return n, nil
}

func (r *otoReader) total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// advance returns the reports covering bytes [from, to) and forgets spans
// that are fully played.
func (r *otoReader) advance(from, to int64, format media.AudioFormat) []Feedback {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Feedback
	for len(r.spans) > 0 && from < to {
		sp := r.spans[0]
		end := min(sp.end, to)
		out = append(out, Feedback{
			Elapsed: format.Duration(int(end - from)),
			Serial:  sp.serial,
			Drained: sp.drained && end == sp.end,
		})
		from = end
		if end == sp.end {
			r.spans = r.spans[1:]
		}
	}
	return out
}
