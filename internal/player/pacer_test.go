package player

import (
	"log/slog"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/audio"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/synth"
)

// stalledSink accepts the stream but never plays, so the clock stays at the
// start.
type stalledSink struct{ volume float64 }

func (s *stalledSink) Start(media.AudioFormat, audio.Source, chan<- audio.Feedback) error {
	return nil
}
func (s *stalledSink) SetPaused(bool)      {}
func (s *stalledSink) SetVolume(v float64) { s.volume = v }
func (s *stalledSink) Volume() float64     { return s.volume }
func (s *stalledSink) Close() error        { return nil }

func TestPicturesWaitInFrameQueue(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	opts := testOptions(rec)
	opts.NewSink = func(*slog.Logger) audio.Sink { return &stalledSink{} }
	p := openPlayer(t, opts, fixture(t, synth.Config{Duration: 2 * time.Second, NoAudio: true}))
	if err := p.Play(false); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "full frame queue", func() bool {
		st := p.Stats()
		return st.FramesPresented == 1 && st.FrameQueueDepth == media.VideoPictureQueueSize
	})
	time.Sleep(100 * time.Millisecond)

	st := p.Stats()
	if st.FramesPresented != 1 {
		t.Errorf("presented %d frames with a stopped clock, want 1", st.FramesPresented)
	}
	// Beyond the queued pictures only the one blocked in Push may exist.
	if held := st.FramesDecoded - st.FramesPresented - int64(st.FrameQueueDepth); held > 1 {
		t.Errorf("%d decoded pictures are outside the frame queue (decoded=%d presented=%d queued=%d)",
			held, st.FramesDecoded, st.FramesPresented, st.FrameQueueDepth)
	}
}

// jumpSink is a ClockSink whose clock skips ahead once, as after a stall
// in the audio device.
type jumpSink struct {
	*audio.ClockSink
	at, jump time.Duration
	done     chan struct{}
}

func (j *jumpSink) Start(format media.AudioFormat, src audio.Source, fb chan<- audio.Feedback) error {
	inner := make(chan audio.Feedback)
	if err := j.ClockSink.Start(format, src, inner); err != nil {
		return err
	}
	go func() {
		var played time.Duration
		jumped := false
		for {
			var f audio.Feedback
			select {
			case f = <-inner:
			case <-j.done:
				return
			}
			played += f.Elapsed
			if !jumped && played >= j.at {
				jumped = true
				f.Elapsed += j.jump
			}
			select {
			case fb <- f:
			case <-j.done:
				return
			}
		}
	}()
	return nil
}

func (j *jumpSink) Close() error {
	close(j.done)
	return j.ClockSink.Close()
}

func TestLateThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		late     time.Duration
		wantDrop bool
	}{
		{"default drops late pictures", 0, true},
		{"negative keeps every picture", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := synth.Config{Duration: 4 * time.Second, NoAudio: true}
			rec := newRecorder()
			opts := testOptions(rec)
			opts.LateThreshold = tt.late
			opts.NewSink = func(log *slog.Logger) audio.Sink {
				s := audio.NewClockSink(log)
				s.Speed = 4
				return &jumpSink{ClockSink: s, at: time.Second, jump: 800 * time.Millisecond, done: make(chan struct{})}
			}
			p := openPlayer(t, opts, fixture(t, cfg))
			if err := p.Play(false); err != nil {
				t.Fatal(err)
			}
			rec.waitFinished(t)

			st := p.Stats()
			if dropped := st.FramesDropped > 0; dropped != tt.wantDrop {
				t.Errorf("FramesDropped = %d, want drops %v", st.FramesDropped, tt.wantDrop)
			}
			if st.FramesPresented+st.FramesDropped != int64(cfg.Frames()) {
				t.Errorf("presented %d + dropped %d, want %d pictures", st.FramesPresented, st.FramesDropped, cfg.Frames())
			}
		})
	}
}
