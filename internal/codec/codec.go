// Package codec turns compressed packets into pictures and PCM. Decoders are
// small capability interfaces created through a [Registry]; the pure-Go
// backend handles uncompressed video and PCM, and building with the ffmpeg
// tag adds H.264, H.265, AAC and MP3 through libavcodec.
package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/reel/internal/media"
)

var (
	// ErrUnsupported is returned when no decoder is registered for a codec.
	ErrUnsupported = errors.New("codec: unsupported codec")

	// ErrInvalidData is returned for a packet the decoder cannot parse. The
	// packet is lost but the decoder stays usable.
	ErrInvalidData = errors.New("codec: invalid data")
)

// VideoDecoder turns video packets into pictures. Decode with a nil packet
// drains pictures the decoder is still holding. Implementations are used by
// a single goroutine.
type VideoDecoder interface {
	Decode(pkt *media.Packet) ([]*media.Picture, error)
	// Flush drops all buffered state, for use after a seek.
	Flush()
	Close() error
}

// AudioDecoder turns audio packets into PCM buffers in the decoder's native
// format. Decode with a nil packet drains buffered output.
type AudioDecoder interface {
	Decode(pkt *media.Packet) ([]*media.AudioBuffer, error)
	Flush()
	Close() error
}

// Resampler converts PCM from one format to another.
type Resampler interface {
	Resample(in *media.AudioBuffer) (*media.AudioBuffer, error)
	Flush()
	Close() error
}

// VideoConfig configures a video decoder.
type VideoConfig struct {
	Stream media.StreamDescriptor
	// Format is the pixel format pictures are delivered in.
	Format media.PixelFormat
	// Pool supplies picture buffers. A nil pool allocates.
	Pool   *media.PicturePool
	Logger *slog.Logger
}

// AudioConfig configures an audio decoder.
type AudioConfig struct {
	Stream media.StreamDescriptor
	Logger *slog.Logger
}

type (
	VideoFactory     func(VideoConfig) (VideoDecoder, error)
	AudioFactory     func(AudioConfig) (AudioDecoder, error)
	ResamplerFactory func(in, out media.AudioFormat) (Resampler, error)
)

// Registry maps codec IDs to decoder factories.
type Registry struct {
	mu        sync.RWMutex
	video     map[media.CodecID]VideoFactory
	audio     map[media.CodecID]AudioFactory
	resampler ResamplerFactory
}

// NewRegistry returns a registry holding the pure-Go decoders and the
// linear resampler.
func NewRegistry() *Registry {
	r := &Registry{
		video:     make(map[media.CodecID]VideoFactory),
		audio:     make(map[media.CodecID]AudioFactory),
		resampler: NewLinearResampler,
	}
	r.RegisterVideo(media.CodecRawVideo, newRawVideoDecoder)
	r.RegisterAudio(media.CodecPCM, newPCMDecoder)
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry, including any backends
// compiled in with build tags.
func Default() *Registry { return defaultRegistry }

// RegisterVideo installs f for id, replacing any previous factory.
func (r *Registry) RegisterVideo(id media.CodecID, f VideoFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video[id] = f
}

// RegisterAudio installs f for id, replacing any previous factory.
func (r *Registry) RegisterAudio(id media.CodecID, f AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[id] = f
}

// SetResampler replaces the resampler factory.
func (r *Registry) SetResampler(f ResamplerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resampler = f
}

// Supports reports whether a decoder is registered for the stream.
func (r *Registry) Supports(sd media.StreamDescriptor) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch sd.Kind {
	case media.KindVideo:
		return r.video[sd.Codec] != nil
	case media.KindAudio:
		return r.audio[sd.Codec] != nil
	}
	return false
}

// NewVideoDecoder opens a decoder for cfg.Stream.
func (r *Registry) NewVideoDecoder(cfg VideoConfig) (VideoDecoder, error) {
	r.mu.RLock()
	f := r.video[cfg.Stream.Codec]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("codec: video %q: %w", cfg.Stream.Codec, ErrUnsupported)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pool == nil {
		cfg.Pool = media.NewPicturePool()
	}
	return f(cfg)
}

// NewAudioDecoder opens a decoder for cfg.Stream.
func (r *Registry) NewAudioDecoder(cfg AudioConfig) (AudioDecoder, error) {
	r.mu.RLock()
	f := r.audio[cfg.Stream.Codec]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("codec: audio %q: %w", cfg.Stream.Codec, ErrUnsupported)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return f(cfg)
}

// NewResampler returns a resampler from in to out. Identical formats get a
// pass-through.
func (r *Registry) NewResampler(in, out media.AudioFormat) (Resampler, error) {
	if in == out {
		return passthrough{}, nil
	}
	r.mu.RLock()
	f := r.resampler
	r.mu.RUnlock()
	return f(in, out)
}

type passthrough struct{}

func (passthrough) Resample(in *media.AudioBuffer) (*media.AudioBuffer, error) { return in, nil }
func (passthrough) Flush()                                                     {}
func (passthrough) Close() error                                               { return nil }
