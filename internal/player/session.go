package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/audio"
	"github.com/zsiec/reel/internal/clock"
	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/container"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
	"github.com/zsiec/reel/internal/subtitle"
)

var errNoDecodable = errors.New("player: no decodable stream")

// session is one open source and, once started, the workers playing it.
// It is created by open and torn down by close.
type session struct {
	p        *Player
	id       string
	log      *slog.Logger
	listener Listener
	registry *codec.Registry
	pool     *media.PicturePool
	late     time.Duration

	src      container.Source
	streams  []media.StreamDescriptor
	video    *media.StreamDescriptor
	audio    *media.StreamDescriptor
	duration time.Duration
	track    *subtitle.Track
	captions *subtitle.Collector

	clock    *clock.Master
	counters counters

	// Set by start.
	started  atomic.Bool
	format   media.AudioFormat
	vq, aq   *queue.PacketQueue
	frames   *queue.FrameQueue
	pcm      *queue.AudioQueue
	sink     audio.Sink
	group    errgroup.Group
	stop     chan struct{}
	stopOnce sync.Once

	// serial identifies the current playback segment. It is raised by every
	// seek; seekMu guards it together with target and pending.
	serial  atomic.Uint64
	seekMu  sync.Mutex
	target  time.Duration
	pending *seekPoint
	seekCh  chan struct{}

	// wake is notified on pause, resume and seek so the pacer re-evaluates.
	wake    *signal
	paused  atomic.Bool
	preview atomic.Uint64 // serial owed one picture while paused
	// deliverMu makes a pause or seek wait for a picture being delivered.
	deliverMu sync.Mutex

	doneMu     sync.Mutex
	doneSerial uint64
	videoDone  bool
	audioDone  bool
	finished   bool
}

type seekPoint struct {
	serial uint64
	target time.Duration
}

func newSession(ctx context.Context, p *Player, uri string, local bool) (*session, error) {
	id := uuid.NewString()
	log := p.opts.Logger.With("session", id)
	s := &session{
		p:        p,
		id:       id,
		log:      log.With("component", "session"),
		listener: p.listener,
		registry: p.opts.Registry,
		pool:     p.pool,
		late:     p.opts.LateThreshold,
		clock:    clock.New(),
		seekCh:   make(chan struct{}, 1),
		wake:     newSignal(),
		stop:     make(chan struct{}),
	}

	copts := p.opts.Container
	copts.Logger = log
	if p.opts.CaptionChannel > 0 {
		s.captions = subtitle.NewCollector(p.opts.CaptionChannel, 0)
		copts.OnCaption = func(c container.Caption) { s.captions.Add(c.PTS, c.Text, c.Channel) }
	}

	var err error
	if local {
		s.src, err = container.OpenFile(uri, copts)
	} else {
		s.src, err = p.opts.OpenSource(ctx, uri, copts)
	}
	if err != nil {
		return nil, err
	}

	s.streams = s.src.Streams()
	s.duration = s.src.Duration()
	for i := range s.streams {
		sd := &s.streams[i]
		if !s.registry.Supports(*sd) {
			s.log.Warn("no decoder for stream", "index", sd.Index, "codec", sd.Codec)
			continue
		}
		switch {
		case sd.Kind == media.KindVideo && s.video == nil:
			s.video = sd
		case sd.Kind == media.KindAudio && s.audio == nil:
			s.audio = sd
		}
	}
	if s.video == nil && s.audio == nil {
		s.src.Close()
		return nil, errNoDecodable
	}

	if path, ok := localPath(uri, local); ok {
		track, err := p.opts.Subtitles.Load(subtitle.CompanionPath(path))
		if err != nil {
			s.log.Warn("companion subtitles not loaded", "error", err)
		}
		s.track = track
	}
	return s, nil
}

// localPath returns the file system path of uri when it names a local file.
func localPath(uri string, local bool) (string, bool) {
	if local {
		return uri, true
	}
	u, err := url.Parse(uri)
	if err != nil || len(u.Scheme) <= 1 {
		return uri, true
	}
	if u.Scheme == "file" {
		return u.Path, true
	}
	return "", false
}

// start creates the queues, decoders and sink and launches the workers.
func (s *session) start(startPaused bool, pixfmt media.PixelFormat, volume float64) error {
	s.format = s.p.opts.AudioFormat
	s.vq = queue.NewPacketQueue(media.MaxQueueBytes, media.MaxVideoPackets)
	s.aq = queue.NewPacketQueue(media.MaxQueueBytes, media.MaxAudioPackets)
	s.frames = queue.NewFrameQueue(media.VideoPictureQueueSize, s.pool)
	s.pcm = queue.NewAudioQueue(max(s.format.Bytes(time.Second), 1<<16))

	var (
		vdec codec.VideoDecoder
		adec codec.AudioDecoder
		err  error
	)
	if s.video != nil {
		vdec, err = s.registry.NewVideoDecoder(codec.VideoConfig{
			Stream: *s.video,
			Format: pixfmt,
			Pool:   s.pool,
			Logger: s.log,
		})
		if err != nil {
			return fmt.Errorf("video decoder: %w", err)
		}
	}
	if s.audio != nil {
		adec, err = s.registry.NewAudioDecoder(codec.AudioConfig{Stream: *s.audio, Logger: s.log})
		if err != nil {
			if vdec != nil {
				vdec.Close()
			}
			return fmt.Errorf("audio decoder: %w", err)
		}
	}

	s.serial.Store(1)
	s.clock.Reset(0, 1)
	if startPaused {
		s.paused.Store(true)
		s.preview.Store(1)
		s.clock.Pause()
	}

	s.sink = s.p.opts.NewSink(s.log)
	s.sink.SetVolume(volume)
	s.sink.SetPaused(startPaused)
	fb := make(chan audio.Feedback, 16)
	if err := s.sink.Start(s.format, &pcmSource{s: s}, fb); err != nil {
		if vdec != nil {
			vdec.Close()
		}
		if adec != nil {
			adec.Close()
		}
		return fmt.Errorf("audio sink: %w", err)
	}
	s.started.Store(true)

	s.group.Go(func() error { s.runDemux(); return nil })
	s.group.Go(func() error { s.runFeedback(fb); return nil })
	if vdec != nil {
		s.group.Go(func() error { s.runVideo(vdec); return nil })
		s.group.Go(func() error { s.runPacer(); return nil })
	}
	if adec != nil {
		s.group.Go(func() error { s.runAudio(adec); return nil })
	}
	s.log.Info("playback started", "paused", startPaused, "frame_format", pixfmt, "audio_format", s.format)
	return nil
}

// shutdown stops the workers, waits for them and releases the source.
func (s *session) shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.src.Interrupt()
	if s.started.Load() {
		s.vq.Stop()
		s.aq.Stop()
		s.frames.Stop()
		s.pcm.Stop()
		if err := s.sink.Close(); err != nil {
			s.log.Warn("closing audio sink", "error", err)
		}
		s.group.Wait()
		s.frames.Flush(s.serial.Load() + 1)
	}
	if err := s.src.Close(); err != nil {
		s.log.Debug("closing source", "error", err)
	}
}

func (s *session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// position returns the current serial and the seek target it started at.
func (s *session) position() (uint64, time.Duration) {
	s.seekMu.Lock()
	defer s.seekMu.Unlock()
	return s.serial.Load(), s.target
}

// requestSeek starts a new segment at target. The clock and all queues
// move to the new serial at once; the demuxer repositions the source
// asynchronously and the latest pending request wins.
func (s *session) requestSeek(target time.Duration, preview bool) {
	s.deliverMu.Lock()
	s.seekMu.Lock()
	serial := s.serial.Add(1)
	s.target = target
	s.pending = &seekPoint{serial: serial, target: target}
	s.seekMu.Unlock()
	if preview {
		s.preview.Store(serial)
	}
	s.deliverMu.Unlock()

	s.clock.Reset(target, serial)
	s.vq.Flush(serial)
	s.aq.Flush(serial)
	s.frames.Flush(serial)
	s.pcm.Flush(serial)
	select {
	case s.seekCh <- struct{}{}:
	default:
	}
	s.wake.Notify()
	s.counters.seeks.Add(1)
	s.log.Debug("seek requested", "target", target, "serial", serial, "preview", preview)
}

// takeSeek returns the pending seek, if any, and clears it.
func (s *session) takeSeek() *seekPoint {
	s.seekMu.Lock()
	defer s.seekMu.Unlock()
	sp := s.pending
	s.pending = nil
	return sp
}

func (s *session) setPaused(paused bool) {
	s.deliverMu.Lock()
	s.paused.Store(paused)
	s.deliverMu.Unlock()
	if paused {
		s.clock.Pause()
		s.sink.SetPaused(true)
	} else {
		s.clock.Resume()
		s.sink.SetPaused(false)
	}
	s.wake.Notify()
}

func (s *session) setVolume(v float64) {
	if s.started.Load() {
		s.sink.SetVolume(v)
	}
}

// markDone records that one stream of serial finished playing and sends
// PlayingFinished once both have.
func (s *session) markDone(kind media.Kind, serial uint64) {
	s.doneMu.Lock()
	if serial != s.serial.Load() {
		s.doneMu.Unlock()
		return
	}
	if serial != s.doneSerial {
		s.doneSerial = serial
		s.videoDone, s.audioDone, s.finished = s.video == nil, false, false
	}
	switch kind {
	case media.KindVideo:
		s.videoDone = true
	case media.KindAudio:
		s.audioDone = true
	}
	fire := s.videoDone && s.audioDone && !s.finished
	if fire {
		s.finished = true
	}
	s.doneMu.Unlock()

	if fire {
		s.log.Info("playing finished", "position", s.clock.Now())
		s.listener.PlayingFinished()
	}
}

func (s *session) subtitle(at time.Duration) (string, bool) {
	if s.track != nil {
		if text, ok := s.track.Lookup(at); ok {
			return text, true
		}
	}
	if s.captions != nil {
		return s.captions.Lookup(at)
	}
	return "", false
}

// totalTicks is the duration in video time base ticks.
func (s *session) totalTicks() int64 {
	if s.video == nil {
		return 0
	}
	return s.video.TimeBase.Ticks(s.duration)
}

// signal is a broadcast wake-up: every Notify wakes all current waiters.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

// C returns a channel closed by the next Notify.
func (sg *signal) C() <-chan struct{} {
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return sg.ch
}

func (sg *signal) Notify() {
	sg.mu.Lock()
	close(sg.ch)
	sg.ch = make(chan struct{})
	sg.mu.Unlock()
}
