package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/audio"
	"github.com/zsiec/reel/internal/config"
	"github.com/zsiec/reel/internal/player"
)

var version = "dev"

// errDone ends the run group once playback is over.
var errDone = errors.New("done")

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("reel failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	level := new(slog.LevelVar)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, rest, err := config.Load(args, log)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	level.Set(cfg.SlogLevel())
	if os.Getenv("DEBUG") != "" {
		level.Set(slog.LevelDebug)
	}
	log.Debug("configuration\n" + cfg.Pretty())

	if len(rest) != 1 {
		return fmt.Errorf("usage: reel [flags] <file or url>")
	}
	newSink, err := audio.Backend(cfg.AudioSink)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := make(chan event, 16)
	opts := cfg.PlayerOptions(log)
	opts.Listener = &listener{events: events}
	opts.NewSink = newSink
	p := player.New(opts)

	if err := p.OpenURL(ctx, rest[0]); err != nil {
		return err
	}
	defer p.Close()
	p.SetVolume(cfg.Volume)

	log.Info("reel starting",
		"version", version,
		"source", rest[0],
		"duration", p.Duration(),
		"audio_sink", cfg.AudioSink,
	)
	for _, sd := range p.Streams() {
		log.Info("stream", "index", sd.Index, "kind", sd.Kind, "codec", sd.Codec,
			"width", sd.Width, "height", sd.Height, "sample_rate", sd.SampleRate, "channels", sd.Channels)
	}
	if err := p.Play(cfg.StartPaused); err != nil {
		return err
	}

	cmds := make(chan string)
	go readCommands(os.Stdin, cmds)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return control(ctx, p, events, cmds, os.Stdout, log)
	})
	g.Go(func() error {
		return showSubtitles(ctx, p, os.Stdout)
	})
	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			return reportStats(ctx, p, cfg.StatsInterval, log)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
		return err
	}
	return nil
}

type event int

const (
	eventEndOfStream event = iota
	eventFinished
	eventClosed
)

// listener forwards player events to the control loop. Control methods are
// never called from here.
type listener struct {
	player.BaseListener
	events chan<- event
}

func (l *listener) send(e event) {
	select {
	case l.events <- e:
	default:
	}
}

func (l *listener) OnEndOfStream()   { l.send(eventEndOfStream) }
func (l *listener) PlayingFinished() { l.send(eventFinished) }
func (l *listener) DecoderClosed()   { l.send(eventClosed) }

// readCommands sends the lines of r to cmds. It stops at the end of r
// without closing cmds.
func readCommands(r io.Reader, cmds chan<- string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			cmds <- line
		}
	}
}

const help = `commands:
  p          pause or resume
  s <t>      seek to t seconds, or to a percentage with "s 50%"
  v <0-1>    set the volume
  i          show playback statistics
  q          quit`

// control runs player commands until playback finishes, the player closes,
// the user quits or ctx ends.
func control(ctx context.Context, p *player.Player, events <-chan event, cmds <-chan string, out io.Writer, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			switch e {
			case eventEndOfStream:
				log.Info("end of stream")
			case eventFinished:
				log.Info("playback finished", "position", p.Position())
				return errDone
			case eventClosed:
				log.Info("player closed")
				return errDone
			}
		case line := <-cmds:
			if quit := command(p, line, out); quit {
				return errDone
			}
		}
	}
}

// command applies one user command and reports whether it asked to quit.
func command(p *player.Player, line string, out io.Writer) bool {
	verb, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch verb {
	case "q", "quit":
		return true
	case "p", "pause":
		if p.PauseResume() {
			fmt.Fprintf(out, "paused=%v at %v\n", p.IsPaused(), p.Position().Round(time.Millisecond))
		}
	case "s", "seek":
		pct, at, err := parseSeek(arg)
		switch {
		case err != nil:
			fmt.Fprintln(out, err)
		case pct >= 0 && !p.SeekByPercent(pct, 0):
			fmt.Fprintln(out, "source cannot seek")
		case pct < 0 && !p.SeekDuration(at):
			fmt.Fprintln(out, "source cannot seek")
		}
	case "v", "volume":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			fmt.Fprintln(out, "volume: want a number between 0 and 1")
			return false
		}
		p.SetVolume(v)
		fmt.Fprintf(out, "volume=%.2f\n", p.Volume())
	case "i", "info":
		s := p.Stats()
		fmt.Fprintf(out, "%s %v/%v presented=%d dropped=%d decoded=%d errors=%d queues=%d/%d/%d\n",
			s.State, s.Position.Round(time.Millisecond), s.Duration, s.FramesPresented, s.FramesDropped,
			s.FramesDecoded, s.DecodeErrors, s.VideoQueueDepth, s.AudioQueueDepth, s.FrameQueueDepth)
	default:
		fmt.Fprintln(out, help)
	}
	return false
}

// parseSeek reads "12.5" as a position in seconds and "40%" as a fraction
// of the duration. The unused result is negative.
func parseSeek(arg string) (pct float64, at time.Duration, err error) {
	if s, ok := strings.CutSuffix(arg, "%"); ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return -1, -1, fmt.Errorf("seek: bad percentage %q", arg)
		}
		return max(v/100, 0), -1, nil
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return -1, -1, fmt.Errorf("seek: bad position %q", arg)
	}
	return -1, time.Duration(v * float64(time.Second)), nil
}

// showSubtitles prints subtitle text whenever it changes.
func showSubtitles(ctx context.Context, p *player.Player, out io.Writer) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			text, _ := p.Subtitle()
			if text != last {
				last = text
				if text != "" {
					fmt.Fprintf(out, "[%v] %s\n", p.Position().Round(time.Millisecond), strings.ReplaceAll(text, "\n", " / "))
				}
			}
		}
	}
}

func reportStats(ctx context.Context, p *player.Player, every time.Duration, log *slog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s := p.Stats()
			log.Info("stats",
				"state", s.State,
				"position", s.Position,
				"presented", s.FramesPresented,
				"dropped", s.FramesDropped,
				"decode_errors", s.DecodeErrors,
				"video_queue", s.VideoQueueDepth,
				"audio_queue", s.AudioQueueDepth,
				"pcm_bytes", s.PCMBytes,
			)
		}
	}
}
