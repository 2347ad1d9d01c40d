// Package player is the playback controller. It opens a container, runs
// the demux, decode and pacing workers, and exposes the control surface a
// presentation front end drives. Video is paced against the master clock,
// which only moves as the audio sink reports played samples.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/reel/internal/audio"
	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/container"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/subtitle"
)

var (
	// ErrOpen wraps every failure to open a source. The player stays
	// Closed.
	ErrOpen = errors.New("player: open failed")

	// ErrState is returned when an operation is not valid in the current
	// state.
	ErrState = errors.New("player: invalid state")
)

// MaxConsecutiveDecodeErrors is the number of packets in a row a decoder
// may reject before its stream is treated as ended.
const MaxConsecutiveDecodeErrors = 32

// DefaultLateThreshold is how far behind the clock a picture may fall
// before the pacer drops it instead of showing it.
const DefaultLateThreshold = 500 * time.Millisecond

// State is the playback state owned by the controller.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StatePlaying
	StatePaused
	StateSeeking
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateSeeking:
		return "seeking"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Listener receives playback events. Events are delivered from worker
// goroutines; implementations must return quickly and must not call the
// Player's control methods synchronously.
type Listener interface {
	// ChangedFramePosition reports the timestamp of a presented picture
	// and the container duration, both in video time base ticks.
	ChangedFramePosition(frame, total int64)
	DecoderClosed()
	FileReleased()
	FileLoaded()
	ProcessOpening()
	VolumeChanged(v float64)
	// OnEndOfStream is sent when the demuxer reaches the end of the input
	// or fails to read it.
	OnEndOfStream()
	// PlayingFinished is sent once the last picture was presented and the
	// audio sink drained.
	PlayingFinished()
}

// BaseListener implements Listener with no-ops. Embed it to handle a subset
// of events.
type BaseListener struct{}

func (BaseListener) ChangedFramePosition(int64, int64) {}
func (BaseListener) DecoderClosed()                    {}
func (BaseListener) FileReleased()                     {}
func (BaseListener) FileLoaded()                       {}
func (BaseListener) ProcessOpening()                   {}
func (BaseListener) VolumeChanged(float64)             {}
func (BaseListener) OnEndOfStream()                    {}
func (BaseListener) PlayingFinished()                  {}

// FrameListener is the presentation sink. On either call it fetches the
// picture with FrameRenderingData and hands it back with
// FinishedDisplayingFrame.
type FrameListener interface {
	// UpdateFrame is called when a new picture replaced the previous one
	// during playback.
	UpdateFrame()
	// DrawFrame is called for a picture shown while paused, such as the
	// preview after a seek, and should be drawn immediately.
	DrawFrame()
}

// Options configures a Player. The zero value plays through a ClockSink
// with the default codec registry.
type Options struct {
	Logger        *slog.Logger
	Listener      Listener
	FrameListener FrameListener

	Registry *codec.Registry
	// NewSink creates the audio sink for each playback session.
	NewSink func(log *slog.Logger) audio.Sink

	AudioFormat media.AudioFormat
	FrameFormat media.PixelFormat

	// Container holds network and probing settings. Logger and OnCaption
	// are set per session.
	Container container.Options
	// OpenSource opens URLs passed to OpenURL. Nil uses container.Open.
	// OpenFile always reads the file system.
	OpenSource func(ctx context.Context, uri string, opts container.Options) (container.Source, error)

	// Subtitles caches companion SubRip files of local sources.
	Subtitles *subtitle.Cache
	// CaptionChannel selects the embedded caption channel shown by
	// Subtitle. Zero means CC1; negative disables embedded captions.
	CaptionChannel int

	// LateThreshold is how far behind the clock a picture may fall before
	// it is dropped in favor of the next one. Zero means
	// DefaultLateThreshold; negative never drops late pictures.
	LateThreshold time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Listener == nil {
		o.Listener = BaseListener{}
	}
	if o.Registry == nil {
		o.Registry = codec.Default()
	}
	if o.OpenSource == nil {
		o.OpenSource = container.Open
	}
	if o.NewSink == nil {
		o.NewSink = func(log *slog.Logger) audio.Sink { return audio.NewClockSink(log) }
	}
	if o.AudioFormat.SampleRate == 0 || o.AudioFormat.Channels == 0 {
		o.AudioFormat = media.DefaultAudioFormat
	}
	if o.Subtitles == nil {
		o.Subtitles = subtitle.NewCache(0, subtitle.Truncate, o.Logger)
	}
	if o.CaptionChannel == 0 {
		o.CaptionChannel = 1
	}
	if o.LateThreshold == 0 {
		o.LateThreshold = DefaultLateThreshold
	}
	return o
}

// Player plays one source at a time. All methods are safe for concurrent
// use.
type Player struct {
	opts     Options
	log      *slog.Logger
	listener Listener
	pool     *media.PicturePool

	// ctl serializes control operations. Workers never take it.
	ctl sync.Mutex

	mu     sync.Mutex
	state  State
	prior  State // state restored when a seek completes
	sess   *session
	format media.PixelFormat
	volume float64

	frameMu    sync.Mutex
	latest     *media.Picture
	displaying *media.Picture
}

// New returns a closed player.
func New(opts Options) *Player {
	opts = opts.withDefaults()
	return &Player{
		opts:     opts,
		log:      opts.Logger.With("component", "player"),
		listener: opts.Listener,
		pool:     media.NewPicturePool(),
		format:   opts.FrameFormat,
		volume:   1,
	}
}

// OpenFile opens a local transport stream file and its companion SubRip
// file, if any.
func (p *Player) OpenFile(ctx context.Context, path string) error {
	return p.open(ctx, path, true)
}

// OpenURL opens a local path or a file, http, https, h3, quic or srt URL.
func (p *Player) OpenURL(ctx context.Context, uri string) error {
	return p.open(ctx, uri, false)
}

func (p *Player) open(ctx context.Context, uri string, local bool) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	if p.state != StateClosed {
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: open while %s", ErrState, st)
	}
	p.state = StateOpening
	p.mu.Unlock()
	p.listener.ProcessOpening()

	s, err := newSession(ctx, p, uri, local)
	if err != nil {
		p.setState(StateClosed)
		p.log.Warn("open failed", "uri", uri, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrOpen, uri, err)
	}

	p.mu.Lock()
	p.sess = s
	p.mu.Unlock()
	s.log.Info("opened", "uri", uri, "streams", len(s.streams), "duration", s.duration, "seekable", s.src.Seekable())
	p.listener.FileLoaded()
	return nil
}

// Play starts the workers of an opened source. With startPaused the first
// picture is shown and playback waits for PauseResume.
func (p *Player) Play(startPaused bool) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	s, st := p.sess, p.state
	format, volume := p.format, p.volume
	p.mu.Unlock()
	if st != StateOpening || s == nil {
		return fmt.Errorf("%w: play while %s", ErrState, st)
	}

	if err := s.start(startPaused, format, volume); err != nil {
		p.closeLocked()
		return fmt.Errorf("player: play: %w", err)
	}
	if startPaused {
		p.setState(StatePaused)
	} else {
		p.setState(StatePlaying)
	}
	return nil
}

// PauseResume toggles between Playing and Paused. It reports false when
// there is nothing to toggle.
func (p *Player) PauseResume() bool {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	s, st := p.sess, p.state
	cur := st
	if st == StateSeeking {
		cur = p.prior
	}
	p.mu.Unlock()

	var next State
	switch cur {
	case StatePlaying:
		next = StatePaused
	case StatePaused:
		next = StatePlaying
	default:
		return false
	}
	s.setPaused(next == StatePaused)

	p.mu.Lock()
	if p.state == StateSeeking {
		p.prior = next
	} else {
		p.state = next
	}
	p.mu.Unlock()
	s.log.Debug("pause toggled", "state", next, "position", s.clock.Now())
	return true
}

// SeekByPercent seeks to percent of total. A non-positive total means the
// container duration. The target is clamped to [0, total].
func (p *Player) SeekByPercent(percent float64, total time.Duration) bool {
	if math.IsNaN(percent) {
		return false
	}
	if total <= 0 {
		total = p.Duration()
	}
	if total <= 0 {
		return false
	}
	target := time.Duration(percent * float64(total))
	switch {
	case percent <= 0:
		target = 0
	case percent >= 1:
		target = total
	}
	return p.SeekDuration(target)
}

// SeekDuration seeks to d, clamped to [0, Duration()]. It is valid while
// Playing, Paused or Seeking; the latest request wins. It reports false when
// the source cannot seek.
func (p *Player) SeekDuration(d time.Duration) bool {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.mu.Lock()
	s, st := p.sess, p.state
	switch st {
	case StatePlaying, StatePaused:
		p.prior = st
	case StateSeeking:
	default:
		p.mu.Unlock()
		return false
	}
	if !s.src.Seekable() {
		p.mu.Unlock()
		return false
	}
	p.state = StateSeeking
	paused := p.prior == StatePaused
	p.mu.Unlock()

	d = max(d, 0)
	if s.duration > 0 {
		d = min(d, s.duration)
	}
	s.requestSeek(d, paused)
	return true
}

// seekDone restores the state held before the seek once the demuxer has
// repositioned for the latest request.
func (p *Player) seekDone(s *session, serial uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == s && p.state == StateSeeking && s.serial.Load() == serial {
		p.state = p.prior
	}
}

// SetVolume sets the output gain, clamped to [0, 1].
func (p *Player) SetVolume(v float64) {
	v = audio.ClampVolume(v)
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.volume = v
	s := p.sess
	p.mu.Unlock()
	if s != nil {
		s.setVolume(v)
	}
	p.listener.VolumeChanged(v)
}

func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetFrameFormat selects the pixel format of delivered pictures. It takes
// effect on the next Play and fails while playing.
func (p *Player) SetFrameFormat(f media.PixelFormat) error {
	if _, err := media.ParsePixelFormat(f.String()); err != nil {
		return err
	}
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateClosed, StateOpening:
		p.format = f
		return nil
	}
	return fmt.Errorf("%w: set frame format while %s", ErrState, p.state)
}

func (p *Player) FrameFormat() media.PixelFormat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

// Close stops playback and releases the source. Closing a closed player is
// a no-op.
func (p *Player) Close() {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.closeLocked()
}

// closeLocked tears down the session. Callers hold ctl.
func (p *Player) closeLocked() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	s := p.sess
	p.state = StateClosing
	p.mu.Unlock()

	if s != nil {
		s.shutdown()
	}
	p.releaseFrames()

	p.mu.Lock()
	p.sess = nil
	p.state = StateClosed
	p.mu.Unlock()

	if s != nil {
		s.log.Info("closed")
		p.listener.DecoderClosed()
		p.listener.FileReleased()
	}
}

// closeAsync closes s from a worker after a fatal error. It does nothing if
// s is no longer the current session.
func (p *Player) closeAsync(s *session) {
	go func() {
		p.ctl.Lock()
		defer p.ctl.Unlock()
		p.mu.Lock()
		current := p.sess == s
		p.mu.Unlock()
		if current {
			p.closeLocked()
		}
	}()
}

func (p *Player) setState(st State) {
	p.mu.Lock()
	p.state = st
	p.mu.Unlock()
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsPlaying reports whether playback runs, including during a seek started
// while playing.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StatePlaying || (p.state == StateSeeking && p.prior == StatePlaying)
}

// IsPaused reports whether playback is paused, including during a seek
// started while paused.
func (p *Player) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StatePaused || (p.state == StateSeeking && p.prior == StatePaused)
}

func (p *Player) current() *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

// Position returns the master clock, which stops at the duration once
// playback finished.
func (p *Player) Position() time.Duration {
	s := p.current()
	if s == nil {
		return 0
	}
	now := s.clock.Now()
	if s.duration > 0 {
		now = min(now, s.duration)
	}
	return now
}

// Duration returns the container duration, or 0 when unknown.
func (p *Player) Duration() time.Duration {
	if s := p.current(); s != nil {
		return s.duration
	}
	return 0
}

// DurationSecs converts ticks of the video time base, as carried by
// ChangedFramePosition, to seconds. It returns 0 without a video stream.
func (p *Player) DurationSecs(raw int64) float64 {
	s := p.current()
	if s == nil || s.video == nil {
		return 0
	}
	return s.video.TimeBase.Seconds(raw)
}

// Streams returns the streams of the open source.
func (p *Player) Streams() []media.StreamDescriptor {
	s := p.current()
	if s == nil {
		return nil
	}
	return append([]media.StreamDescriptor(nil), s.streams...)
}

// Subtitle returns the subtitle text at the current position. Companion
// SubRip cues take precedence over embedded captions.
func (p *Player) Subtitle() (string, bool) {
	s := p.current()
	if s == nil {
		return "", false
	}
	return s.subtitle(s.clock.Now())
}

// FrameRenderingData returns the picture to draw, or nil before the first
// picture. The picture stays valid until FinishedDisplayingFrame.
func (p *Player) FrameRenderingData() *media.Picture {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	p.displaying = p.latest
	return p.displaying
}

// FinishedDisplayingFrame hands back the picture returned by
// FrameRenderingData.
func (p *Player) FinishedDisplayingFrame() {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	if d := p.displaying; d != nil && d != p.latest {
		p.pool.Put(d)
	}
	p.displaying = nil
}

// present publishes pic as the latest picture. The previous one is
// recycled unless the presentation sink still holds it.
func (p *Player) present(pic *media.Picture) {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	old := p.latest
	p.latest = pic
	if old != nil && old != p.displaying {
		p.pool.Put(old)
	}
}

func (p *Player) releaseFrames() {
	p.frameMu.Lock()
	defer p.frameMu.Unlock()
	if p.latest != nil && p.latest != p.displaying {
		p.pool.Put(p.latest)
	}
	p.latest = nil
}
