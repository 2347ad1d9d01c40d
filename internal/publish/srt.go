package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatency is the SRT latency in nanoseconds (120ms).
const srtLatency = 120_000_000

// Server accepts SRT callers and sends each the stream named by its stream
// id.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *Registry
}

// NewServer creates an SRT server on addr for the streams of registry. If
// log is nil, slog.Default() is used.
func NewServer(addr string, registry *Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-publish"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts callers until ctx is cancelled. Callers asking for an
// unknown stream are rejected during the handshake.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatency

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("publish: SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr, "streams", s.registry.Keys())

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if _, err := s.registry.Get(StreamKey(req.StreamID)); err != nil {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		key := StreamKey(conn.StreamID())
		s.log.Info("viewer", "stream_key", key, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	st, err := s.registry.Get(key)
	if err != nil {
		s.log.Debug("stream gone", "stream_key", key)
		return
	}
	if err := st.Send(conn, ctx.Done()); err != nil {
		s.log.Debug("send stopped", "stream_key", key, "error", err)
	}
	stats := st.Stats()
	s.log.Info("viewer done", "stream_key", key,
		"bytes", stats.BytesSent, "viewers", stats.Viewers, "loops", stats.Loops)
}

// StreamKey normalizes an SRT stream id to a registry key.
func StreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
