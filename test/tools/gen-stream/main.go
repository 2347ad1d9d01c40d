// Command gen-stream writes a synthetic transport stream that reel can
// decode without external codecs, and optionally serves it over SRT, QUIC,
// HTTP and HTTP/3.
//
//	gen-stream -o clip.ts --duration 30s --subtitles
//	gen-stream --serve --srt :6000 --quic :4443 --http :8080 --loop
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reel/internal/certs"
	"github.com/zsiec/reel/internal/container"
	"github.com/zsiec/reel/internal/publish"
	"github.com/zsiec/reel/internal/synth"
)

type options struct {
	out       string
	key       string
	subtitles bool
	cfg       synth.Config

	serve    bool
	loop     bool
	srtAddr  string
	quicAddr string
	httpAddr string
	h3Addr   string
}

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(os.Args[1:]); err != nil && !errors.Is(err, pflag.ErrHelp) {
		slog.Error("gen-stream failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*options, error) {
	o := &options{cfg: synth.DefaultConfig}
	var noVideo, noAudio bool
	fs := pflag.NewFlagSet("gen-stream", pflag.ContinueOnError)
	fs.StringVarP(&o.out, "out", "o", "", "output file (default <key>.ts when not serving)")
	fs.StringVar(&o.key, "key", "clip", "stream name, used for file names and SRT stream ids")
	fs.BoolVar(&o.subtitles, "subtitles", false, "write a companion .srt with one cue per second")
	fs.DurationVar(&o.cfg.Duration, "duration", synth.DefaultConfig.Duration, "stream length")
	fs.IntVar(&o.cfg.FrameRate, "fps", synth.DefaultConfig.FrameRate, "video frame rate")
	fs.IntVar(&o.cfg.Width, "width", synth.DefaultConfig.Width, "picture width")
	fs.IntVar(&o.cfg.Height, "height", synth.DefaultConfig.Height, "picture height")
	fs.IntVar(&o.cfg.SampleRate, "rate", synth.DefaultConfig.SampleRate, "audio sample rate")
	fs.IntVar(&o.cfg.Channels, "channels", synth.DefaultConfig.Channels, "audio channels")
	fs.Float64Var(&o.cfg.ToneHz, "tone", synth.DefaultConfig.ToneHz, "tone frequency in Hz")
	fs.BoolVar(&noVideo, "no-video", false, "omit the video stream")
	fs.BoolVar(&noAudio, "no-audio", false, "omit the audio stream")
	fs.BoolVar(&o.serve, "serve", false, "serve the stream until interrupted")
	fs.BoolVar(&o.loop, "loop", false, "repeat the stream for SRT viewers")
	fs.StringVar(&o.srtAddr, "srt", "", "SRT listen address, e.g. :6000")
	fs.StringVar(&o.quicAddr, "quic", "", "QUIC listen address for quic:// sources")
	fs.StringVar(&o.httpAddr, "http", "", "HTTP listen address")
	fs.StringVar(&o.h3Addr, "h3", "", "HTTP/3 listen address for h3:// sources")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	o.cfg.NoVideo, o.cfg.NoAudio = noVideo, noAudio

	if o.cfg.NoVideo && o.cfg.NoAudio {
		return nil, errors.New("--no-video and --no-audio leave nothing to generate")
	}
	if o.serve && o.srtAddr == "" && o.quicAddr == "" && o.httpAddr == "" && o.h3Addr == "" {
		return nil, errors.New("--serve needs at least one of --srt, --quic, --http, --h3")
	}
	if !o.serve && o.out == "" {
		o.out = o.key + ".ts"
	}
	return o, nil
}

func run(args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := synth.Write(&buf, o.cfg); err != nil {
		return err
	}
	slog.Info("generated stream",
		"key", o.key,
		"bytes", buf.Len(),
		"duration", o.cfg.Duration,
		"frames", o.cfg.Frames(),
	)

	if o.out != "" {
		if err := writeFiles(o.out, buf.Bytes(), o.subtitles, o.cfg.Duration); err != nil {
			return err
		}
		slog.Info("wrote stream", "path", o.out, "subtitles", o.subtitles)
	}
	if !o.serve {
		return nil
	}

	dir, err := os.MkdirTemp("", "gen-stream")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	if err := writeFiles(filepath.Join(dir, o.key+".ts"), buf.Bytes(), o.subtitles, o.cfg.Duration); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, o, dir, buf.Bytes())
}

// writeFiles writes the stream to path and, with subtitles, a SubRip file
// next to it.
func writeFiles(path string, data []byte, subtitles bool, d time.Duration) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	if !subtitles {
		return nil
	}
	srt := strings.TrimSuffix(path, filepath.Ext(path)) + ".srt"
	f, err := os.Create(srt)
	if err != nil {
		return err
	}
	if err := writeSubRip(f, d); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeSubRip writes one cue per second, each naming its second and lasting
// 900ms.
func writeSubRip(w io.Writer, d time.Duration) error {
	for i := 0; time.Duration(i)*time.Second < d; i++ {
		start := time.Duration(i) * time.Second
		_, err := fmt.Fprintf(w, "%d\n%s --> %s\nSecond %d\n\n",
			i+1, srtTime(start), srtTime(start+900*time.Millisecond), i)
		if err != nil {
			return err
		}
	}
	return nil
}

func srtTime(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}

func serve(ctx context.Context, o *options, dir string, data []byte) error {
	g, ctx := errgroup.WithContext(ctx)
	log := slog.Default()

	if o.srtAddr != "" {
		reg := publish.NewRegistry()
		reg.Register(&publish.Stream{Key: o.key, Data: data, Duration: o.cfg.Duration, Loop: o.loop})
		srv := publish.NewServer(o.srtAddr, reg, log)
		g.Go(func() error { return srv.Start(ctx) })
		slog.Info("play with", "url", fmt.Sprintf("srt://%s/%s", hostPort(o.srtAddr), o.key))
	}

	if o.quicAddr != "" || o.h3Addr != "" {
		cert, err := certs.Generate()
		if err != nil {
			return err
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintHex(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
		if o.quicAddr != "" {
			srv := &container.QUICServer{Root: os.DirFS(dir), Log: log}
			g.Go(func() error {
				return srv.ListenAndServe(ctx, o.quicAddr, container.TLSConfig(cert.TLS))
			})
			slog.Info("play with", "url", fmt.Sprintf("quic://%s/%s.ts", hostPort(o.quicAddr), o.key), "flag", "--insecure_tls")
		}
		if o.h3Addr != "" {
			srv := &http3.Server{
				Addr:      o.h3Addr,
				Handler:   http.FileServer(http.Dir(dir)),
				TLSConfig: http3.ConfigureTLSConfig(container.TLSConfig(cert.TLS)),
			}
			g.Go(func() error { return listenUntil(ctx, srv.ListenAndServe, srv.Close) })
			slog.Info("play with", "url", fmt.Sprintf("h3://%s/%s.ts", hostPort(o.h3Addr), o.key), "flag", "--insecure_tls")
		}
	}

	if o.httpAddr != "" {
		srv := &http.Server{
			Addr:              o.httpAddr,
			Handler:           http.FileServer(http.Dir(dir)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error { return listenUntil(ctx, srv.ListenAndServe, srv.Close) })
		slog.Info("play with", "url", fmt.Sprintf("http://%s/%s.ts", hostPort(o.httpAddr), o.key))
	}

	return g.Wait()
}

// listenUntil runs listen until ctx ends, then calls shutdown.
func listenUntil(ctx context.Context, listen func() error, shutdown func() error) error {
	stop := context.AfterFunc(ctx, func() { shutdown() })
	defer stop()
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		return err
	}
	return nil
}

// hostPort fills in localhost for addresses like ":6000".
func hostPort(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
