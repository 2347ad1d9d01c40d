// Package container opens media containers and splits them into packets.
// Every source is an MPEG transport stream read from a file, an HTTP(S) or
// HTTP/3 URL, a QUIC stream, or an SRT connection. Seekable inputs support
// duration probing and timestamp bisection seeks.
package container

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/zsiec/reel/internal/media"
)

var (
	ErrNotSeekable       = errors.New("container: source is not seekable")
	ErrNoStreams         = errors.New("container: no playable streams")
	ErrInterrupted       = errors.New("container: interrupted")
	ErrUnsupportedScheme = errors.New("container: unsupported URL scheme")
)

// Source yields the packets of one open container. A Source is owned by a
// single goroutine; only Interrupt may be called concurrently.
type Source interface {
	// Streams returns the playable streams found while probing.
	Streams() []media.StreamDescriptor
	// Duration returns the container duration, or 0 when unknown.
	Duration() time.Duration
	// ReadPacket returns the next packet with timestamps normalized to the
	// container start. It returns io.EOF at the end of the input.
	ReadPacket() (*media.Packet, error)
	// Seek repositions the reader on the last keyframe at or before target.
	Seek(target time.Duration) error
	Seekable() bool
	// Interrupt unblocks a pending read. Later reads fail with
	// ErrInterrupted.
	Interrupt()
	Close() error
}

// Caption is one CEA-608 or CEA-708 caption found in a video stream, timed
// in container time.
type Caption struct {
	PTS     time.Duration
	Text    string
	Channel int
}

// Options configures how a container is opened.
type Options struct {
	Logger *slog.Logger

	// OnCaption receives embedded captions as packets are read. It is
	// called from the reading goroutine.
	OnCaption func(Caption)

	// DiscoveryBytes bounds how much input is read to discover streams.
	DiscoveryBytes int64
	// DialTimeout bounds connection setup for network sources.
	DialTimeout time.Duration
	// InsecureTLS skips certificate verification for quic:// and h3://.
	InsecureTLS bool
	// HTTPClient is used for http:// and https:// sources.
	HTTPClient *http.Client
}

const (
	defaultDiscoveryBytes = 4 << 20
	defaultDialTimeout    = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DiscoveryBytes <= 0 {
		o.DiscoveryBytes = defaultDiscoveryBytes
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	return o
}
