package player

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/audio"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/synth"
)

const frameTicks = 3600 // 25 fps in 90 kHz ticks

// recorder is a Listener that keeps every event.
type recorder struct {
	mu       sync.Mutex
	frames   []int64
	total    int64
	opening  int
	loaded   int
	closed   int
	released int
	eos      int
	volumes  []float64

	finishOnce sync.Once
	finished   chan struct{}
}

func newRecorder() *recorder { return &recorder{finished: make(chan struct{})} }

func (r *recorder) ChangedFramePosition(frame, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	r.total = total
}

func (r *recorder) DecoderClosed()  { r.mu.Lock(); r.closed++; r.mu.Unlock() }
func (r *recorder) FileReleased()   { r.mu.Lock(); r.released++; r.mu.Unlock() }
func (r *recorder) FileLoaded()     { r.mu.Lock(); r.loaded++; r.mu.Unlock() }
func (r *recorder) ProcessOpening() { r.mu.Lock(); r.opening++; r.mu.Unlock() }
func (r *recorder) OnEndOfStream()  { r.mu.Lock(); r.eos++; r.mu.Unlock() }

func (r *recorder) VolumeChanged(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes = append(r.volumes, v)
}

func (r *recorder) PlayingFinished() { r.finishOnce.Do(func() { close(r.finished) }) }

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) framesSnapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.frames...)
}

func (r *recorder) waitFinished(t *testing.T) {
	t.Helper()
	select {
	case <-r.finished:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for PlayingFinished")
	}
}

// fixture writes a synthetic stream to a temporary file.
func fixture(t *testing.T, cfg synth.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.ts")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := synth.Write(f, cfg); err != nil {
		t.Fatalf("synth.Write: %v", err)
	}
	return path
}

func testOptions(l Listener) Options {
	return Options{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Listener: l,
		NewSink: func(log *slog.Logger) audio.Sink {
			s := audio.NewClockSink(log)
			s.Speed = 8
			return s
		},
	}
}

func openPlayer(t *testing.T, opts Options, path string) *Player {
	t.Helper()
	p := New(opts)
	t.Cleanup(p.Close)
	if err := p.OpenFile(context.Background(), path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPlayToEnd(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	p := openPlayer(t, testOptions(rec), fixture(t, synth.Config{Duration: 4 * time.Second}))

	if got := p.State(); got != StateOpening {
		t.Fatalf("State after open = %s, want opening", got)
	}
	if d := p.Duration(); d != 4*time.Second {
		t.Errorf("Duration = %v, want 4s", d)
	}
	if err := p.Play(false); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if !p.IsPlaying() {
		t.Error("IsPlaying = false after Play")
	}
	rec.waitFinished(t)

	frames := rec.framesSnapshot()
	if len(frames) < 50 {
		t.Fatalf("presented %d frames, want at least 50", len(frames))
	}
	for i := 1; i < len(frames); i++ {
		if frames[i] <= frames[i-1] {
			t.Fatalf("frame %d at %d after %d: not increasing", i, frames[i], frames[i-1])
		}
	}

	time.Sleep(100 * time.Millisecond)
	if n := rec.frameCount(); n != len(frames) {
		t.Errorf("%d frames presented after PlayingFinished", n-len(frames))
	}

	rec.mu.Lock()
	if rec.opening != 1 || rec.loaded != 1 || rec.eos != 1 {
		t.Errorf("opening/loaded/eos = %d/%d/%d, want 1/1/1", rec.opening, rec.loaded, rec.eos)
	}
	if rec.total != 4*90000 {
		t.Errorf("total = %d, want %d", rec.total, 4*90000)
	}
	rec.mu.Unlock()

	st := p.Stats()
	if st.FramesPresented != int64(len(frames)) {
		t.Errorf("Stats.FramesPresented = %d, want %d", st.FramesPresented, len(frames))
	}
	if st.VideoPackets != 100 || st.AudioPackets != 200 {
		t.Errorf("packets = %d video, %d audio; want 100, 200", st.VideoPackets, st.AudioPackets)
	}
	if st.Session == "" {
		t.Error("Stats.Session is empty")
	}
	if pos := p.Position(); pos != 4*time.Second {
		t.Errorf("Position after finish = %v, want 4s", pos)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	p := openPlayer(t, testOptions(rec), fixture(t, synth.Config{Duration: 10 * time.Second}))
	if err := p.Play(false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first frames", func() bool { return rec.frameCount() >= 5 })

	if !p.PauseResume() {
		t.Fatal("PauseResume returned false while playing")
	}
	if !p.IsPaused() || p.IsPlaying() {
		t.Fatalf("IsPaused/IsPlaying = %v/%v after pause", p.IsPaused(), p.IsPlaying())
	}
	pos := p.Position()
	n := rec.frameCount()

	time.Sleep(150 * time.Millisecond)
	if got := p.Position(); got != pos {
		t.Errorf("Position moved while paused: %v -> %v", pos, got)
	}
	if got := rec.frameCount(); got != n {
		t.Errorf("%d frames presented while paused", got-n)
	}

	if !p.PauseResume() {
		t.Fatal("PauseResume returned false while paused")
	}
	if got := p.Position(); got < pos {
		t.Errorf("Position after resume = %v, before pause %v", got, pos)
	}
	waitFor(t, "frames after resume", func() bool { return rec.frameCount() > n })

	next := rec.framesSnapshot()[n]
	if at := time.Duration(next) * time.Second / 90000; at < pos-DefaultLateThreshold || at > pos+time.Second {
		t.Errorf("first frame after resume at %v, paused at %v", at, pos)
	}
}

func TestSeekByPercentWhilePlaying(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	p := openPlayer(t, testOptions(rec), fixture(t, synth.Config{Duration: 10 * time.Second}))
	if err := p.Play(false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first frames", func() bool { return rec.frameCount() >= 3 })

	if !p.SeekByPercent(0.5, 0) {
		t.Fatal("SeekByPercent returned false")
	}
	n := rec.frameCount()
	waitFor(t, "frame after seek", func() bool { return rec.frameCount() > n })

	got := rec.framesSnapshot()[n]
	if want := int64(5 * 90000); got < want-frameTicks || got > want+frameTicks {
		t.Errorf("first frame after seek at %d ticks, want %d ± %d", got, want, frameTicks)
	}
	waitFor(t, "seek to complete", func() bool { return p.State() == StatePlaying })
	if s := p.Stats(); s.Seeks != 1 {
		t.Errorf("Stats.Seeks = %d, want 1", s.Seeks)
	}
}

type drawCounter struct {
	p       *Player
	mu      sync.Mutex
	draws   int
	updates int
	formats []media.PixelFormat
}

func (d *drawCounter) UpdateFrame() { d.show(false) }
func (d *drawCounter) DrawFrame()   { d.show(true) }

func (d *drawCounter) show(draw bool) {
	pic := d.p.FrameRenderingData()
	defer d.p.FinishedDisplayingFrame()
	d.mu.Lock()
	defer d.mu.Unlock()
	if draw {
		d.draws++
	} else {
		d.updates++
	}
	if pic != nil {
		d.formats = append(d.formats, pic.Format)
	}
}

func TestSeekWhilePausedShowsOneFrame(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	dc := &drawCounter{}
	opts := testOptions(rec)
	opts.FrameListener = dc
	p := New(opts)
	dc.p = p
	t.Cleanup(p.Close)
	if err := p.OpenFile(context.Background(), fixture(t, synth.Config{Duration: 6 * time.Second})); err != nil {
		t.Fatal(err)
	}
	if err := p.Play(true); err != nil {
		t.Fatal(err)
	}
	if !p.IsPaused() {
		t.Fatal("not paused after Play(true)")
	}
	waitFor(t, "preview frame", func() bool { return rec.frameCount() == 1 })
	if f := rec.framesSnapshot()[0]; f != 0 {
		t.Errorf("start preview at %d ticks, want 0", f)
	}

	if !p.SeekDuration(3 * time.Second) {
		t.Fatal("SeekDuration returned false")
	}
	waitFor(t, "seek preview", func() bool { return rec.frameCount() == 2 })
	time.Sleep(100 * time.Millisecond)

	frames := rec.framesSnapshot()
	if len(frames) != 2 {
		t.Fatalf("presented %d frames while paused, want 2", len(frames))
	}
	if frames[1] != 3*90000 {
		t.Errorf("seek preview at %d ticks, want %d", frames[1], 3*90000)
	}
	if pos := p.Position(); pos != 3*time.Second {
		t.Errorf("Position = %v, want 3s", pos)
	}
	waitFor(t, "paused state", func() bool { return p.State() == StatePaused })

	dc.mu.Lock()
	if dc.draws != 2 || dc.updates != 0 {
		t.Errorf("draws/updates = %d/%d, want 2/0", dc.draws, dc.updates)
	}
	dc.mu.Unlock()
}

func TestSeekLatestWins(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	p := openPlayer(t, testOptions(rec), fixture(t, synth.Config{Duration: 6 * time.Second}))
	if err := p.Play(true); err != nil {
		t.Fatal(err)
	}
	for _, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if !p.SeekDuration(d) {
			t.Fatalf("SeekDuration(%v) returned false", d)
		}
	}
	if pos := p.Position(); pos != 4*time.Second {
		t.Errorf("Position = %v, want 4s", pos)
	}
	waitFor(t, "preview at latest target", func() bool {
		f := rec.framesSnapshot()
		return len(f) > 0 && f[len(f)-1] == 4*90000
	})
	waitFor(t, "paused state", func() bool { return p.State() == StatePaused })
	if pos := p.Position(); pos != 4*time.Second {
		t.Errorf("Position after seeks settled = %v, want 4s", pos)
	}
}

func TestSeekClamp(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	p := openPlayer(t, testOptions(rec), fixture(t, synth.Config{Duration: 4 * time.Second}))
	if err := p.Play(true); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		seek func() bool
		want time.Duration
	}{
		{"negative percent", func() bool { return p.SeekByPercent(-0.5, 0) }, 0},
		{"half", func() bool { return p.SeekByPercent(0.5, 0) }, 2 * time.Second},
		{"past end percent", func() bool { return p.SeekByPercent(1.5, 0) }, 4 * time.Second},
		{"explicit total", func() bool { return p.SeekByPercent(0.25, 2*time.Second) }, 500 * time.Millisecond},
		{"negative duration", func() bool { return p.SeekDuration(-time.Second) }, 0},
		{"past end duration", func() bool { return p.SeekDuration(time.Hour) }, 4 * time.Second},
	}
	for _, tt := range tests {
		if !tt.seek() {
			t.Errorf("%s: seek returned false", tt.name)
			continue
		}
		if pos := p.Position(); pos != tt.want {
			t.Errorf("%s: Position = %v, want %v", tt.name, pos, tt.want)
		}
	}
	if p.SeekByPercent(math.NaN(), 0) {
		t.Error("SeekByPercent(NaN) returned true")
	}
}

func TestCloseTwice(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	p := openPlayer(t, testOptions(rec), fixture(t, synth.Config{Duration: 4 * time.Second}))
	if err := p.Play(false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first frame", func() bool { return rec.frameCount() > 0 })

	done := make(chan struct{})
	go func() {
		p.Close()
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close hung")
	}
	if st := p.State(); st != StateClosed {
		t.Errorf("State = %s, want closed", st)
	}
	rec.mu.Lock()
	if rec.closed != 1 || rec.released != 1 {
		t.Errorf("DecoderClosed/FileReleased = %d/%d, want 1/1", rec.closed, rec.released)
	}
	rec.mu.Unlock()
	if p.PauseResume() || p.SeekDuration(time.Second) {
		t.Error("control operation succeeded on a closed player")
	}
	if p.Position() != 0 || p.Duration() != 0 || p.Streams() != nil {
		t.Error("closed player still reports a source")
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	p := New(testOptions(rec))
	t.Cleanup(p.Close)

	err := p.OpenFile(context.Background(), filepath.Join(t.TempDir(), "missing.ts"))
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("OpenFile(missing) = %v, want ErrOpen", err)
	}
	if st := p.State(); st != StateClosed {
		t.Errorf("State after failed open = %s, want closed", st)
	}
	if err := p.Play(false); !errors.Is(err, ErrState) {
		t.Errorf("Play without source = %v, want ErrState", err)
	}
	if err := p.OpenURL(context.Background(), "gopher://example.com/a.ts"); !errors.Is(err, ErrOpen) {
		t.Errorf("OpenURL(gopher) = %v, want ErrOpen", err)
	}

	path := fixture(t, synth.Config{Duration: time.Second})
	if err := p.OpenFile(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	if err := p.OpenFile(context.Background(), path); !errors.Is(err, ErrState) {
		t.Errorf("second OpenFile = %v, want ErrState", err)
	}
	rec.mu.Lock()
	if rec.opening != 3 || rec.loaded != 1 {
		t.Errorf("opening/loaded = %d/%d, want 3/1", rec.opening, rec.loaded)
	}
	rec.mu.Unlock()
}

func TestFrameFormat(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	dc := &drawCounter{}
	opts := testOptions(rec)
	opts.FrameListener = dc
	p := New(opts)
	dc.p = p
	t.Cleanup(p.Close)

	if err := p.SetFrameFormat(media.PixelFormat(42)); err == nil {
		t.Error("SetFrameFormat accepted an unknown format")
	}
	if err := p.SetFrameFormat(media.PixelRGB24); err != nil {
		t.Fatal(err)
	}
	if err := p.OpenFile(context.Background(), fixture(t, synth.Config{Duration: 2 * time.Second})); err != nil {
		t.Fatal(err)
	}
	if err := p.Play(false); err != nil {
		t.Fatal(err)
	}
	if err := p.SetFrameFormat(media.PixelYUV420P); !errors.Is(err, ErrState) {
		t.Errorf("SetFrameFormat while playing = %v, want ErrState", err)
	}
	rec.waitFinished(t)

	dc.mu.Lock()
	defer dc.mu.Unlock()
	if len(dc.formats) == 0 {
		t.Fatal("no pictures rendered")
	}
	for _, f := range dc.formats {
		if f != media.PixelRGB24 {
			t.Fatalf("rendered %s, want rgb24", f)
		}
	}
	if got := p.FrameRenderingData(); got == nil || got.Format != media.PixelRGB24 {
		t.Errorf("FrameRenderingData after finish = %v", got)
	}
	p.FinishedDisplayingFrame()
}

func TestAudioOnlyFinishes(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	p := openPlayer(t, testOptions(rec), fixture(t, synth.Config{Duration: 2 * time.Second, NoVideo: true}))
	if got := len(p.Streams()); got != 1 {
		t.Fatalf("Streams = %d, want 1", got)
	}
	if err := p.Play(false); err != nil {
		t.Fatal(err)
	}
	rec.waitFinished(t)
	if n := rec.frameCount(); n != 0 {
		t.Errorf("%d frame events without video", n)
	}
	if s := p.DurationSecs(90000); s != 0 {
		t.Errorf("DurationSecs without video = %v, want 0", s)
	}
	if st := p.Stats(); st.AudioBuffers == 0 {
		t.Error("no audio buffers decoded")
	}
}

func TestCompanionSubtitles(t *testing.T) {
	t.Parallel()

	path := fixture(t, synth.Config{Duration: 2 * time.Second})
	srt := "1\n00:00:00,000 --> 00:00:01,500\nhello\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "clip.srt"), []byte(srt), 0o644); err != nil {
		t.Fatal(err)
	}
	p := openPlayer(t, testOptions(newRecorder()), path)
	if err := p.Play(true); err != nil {
		t.Fatal(err)
	}
	if text, ok := p.Subtitle(); !ok || text != "hello" {
		t.Errorf("Subtitle at 0 = %q, %v; want hello", text, ok)
	}
	p.SeekDuration(1800 * time.Millisecond)
	if text, ok := p.Subtitle(); ok {
		t.Errorf("Subtitle at 1.8s = %q, want none", text)
	}
}

func TestVolume(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	p := New(testOptions(rec))
	t.Cleanup(p.Close)

	p.SetVolume(0.5)
	if v := p.Volume(); v != 1 {
		t.Errorf("Volume changed while closed: %v", v)
	}
	if err := p.OpenFile(context.Background(), fixture(t, synth.Config{Duration: time.Second})); err != nil {
		t.Fatal(err)
	}
	p.SetVolume(0.5)
	p.SetVolume(3)
	if err := p.Play(true); err != nil {
		t.Fatal(err)
	}
	p.SetVolume(-1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []float64{0.5, 1, 0}
	if len(rec.volumes) != len(want) {
		t.Fatalf("VolumeChanged = %v, want %v", rec.volumes, want)
	}
	for i := range want {
		if rec.volumes[i] != want[i] {
			t.Errorf("VolumeChanged[%d] = %v, want %v", i, rec.volumes[i], want[i])
		}
	}
}

func TestDurationSecs(t *testing.T) {
	t.Parallel()

	p := openPlayer(t, testOptions(newRecorder()), fixture(t, synth.Config{Duration: time.Second}))
	if s := p.DurationSecs(45000); s != 0.5 {
		t.Errorf("DurationSecs(45000) = %v, want 0.5", s)
	}
}
