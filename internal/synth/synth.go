// Package synth writes synthetic transport streams: a moving luma ramp as
// uncompressed video and a sine tone as PCM. The streams decode without
// external codecs and are used by tests and the gen-stream tool.
package synth

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/mpegts"
)

// PIDs of the generated elementary streams.
const (
	VideoPID uint16 = 0x100
	AudioPID uint16 = 0x101
)

// Config describes a generated stream. Zero fields take the defaults of
// DefaultConfig.
type Config struct {
	Duration  time.Duration
	FrameRate int
	Width     int
	Height    int
	Format    media.PixelFormat

	SampleRate int
	Channels   int
	ToneHz     float64
	// AudioChunk is the duration carried by one audio PES.
	AudioChunk time.Duration

	NoVideo bool
	NoAudio bool

	// StartPTS is the timestamp of the first unit in 90 kHz ticks.
	StartPTS int64
}

// DefaultConfig is ten seconds of 64x36 video at 25 fps with 48 kHz stereo.
var DefaultConfig = Config{
	Duration:   10 * time.Second,
	FrameRate:  25,
	Width:      64,
	Height:     36,
	Format:     media.PixelYUV420P,
	SampleRate: 48000,
	Channels:   2,
	ToneHz:     440,
	AudioChunk: 20 * time.Millisecond,
	StartPTS:   90000,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.Duration <= 0 {
		c.Duration = d.Duration
	}
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = d.Width, d.Height
	}
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = d.Channels
	}
	if c.ToneHz <= 0 {
		c.ToneHz = d.ToneHz
	}
	if c.AudioChunk <= 0 {
		c.AudioChunk = d.AudioChunk
	}
	return c
}

// Frames returns the number of video frames Write produces.
func (c Config) Frames() int {
	c = c.withDefaults()
	return int(c.Duration * time.Duration(c.FrameRate) / time.Second)
}

// FrameTicks returns the video frame interval in 90 kHz ticks.
func (c Config) FrameTicks() int64 {
	c = c.withDefaults()
	return 90000 / int64(c.FrameRate)
}

// Write writes the stream described by cfg to w. Tables are repeated once
// per second of video.
func Write(w io.Writer, cfg Config) error {
	cfg = cfg.withDefaults()
	if cfg.NoVideo && cfg.NoAudio {
		return fmt.Errorf("synth: no streams enabled")
	}

	var streams []mpegts.MuxerStream
	if !cfg.NoVideo {
		streams = append(streams, mpegts.MuxerStream{PID: VideoPID, StreamType: mpegts.StreamTypeRawVideo, StreamID: mpegts.StreamIDVideo})
	}
	if !cfg.NoAudio {
		streams = append(streams, mpegts.MuxerStream{PID: AudioPID, StreamType: mpegts.StreamTypePCM, StreamID: mpegts.StreamIDPrivate})
	}
	mux := mpegts.NewMuxer(w, streams...)

	frameTicks := cfg.FrameTicks()
	chunkTicks := media.TimeBase90k.Ticks(cfg.AudioChunk)
	frames, chunks := cfg.Frames(), int(cfg.Duration/cfg.AudioChunk)
	if cfg.NoVideo {
		frames = 0
	}
	if cfg.NoAudio {
		chunks = 0
	}
	tone := newTone(cfg)

	for vi, ai := 0, 0; vi < frames || ai < chunks; {
		vt, at := int64(vi)*frameTicks, int64(ai)*chunkTicks
		if vi < frames && (ai >= chunks || vt <= at) {
			if vi%cfg.FrameRate == 0 {
				if err := mux.WriteTables(); err != nil {
					return err
				}
			}
			payload := codec.EncodeRawVideo(Picture(cfg, vi))
			if err := mux.WritePES(VideoPID, cfg.StartPTS+vt, -1, true, payload); err != nil {
				return fmt.Errorf("synth: video frame %d: %w", vi, err)
			}
			vi++
			continue
		}
		if frames == 0 && ai%int(time.Second/cfg.AudioChunk) == 0 {
			if err := mux.WriteTables(); err != nil {
				return err
			}
		}
		payload := codec.EncodePCM(cfg.SampleRate, cfg.Channels, tone.next(cfg.AudioChunk))
		if err := mux.WritePES(AudioPID, cfg.StartPTS+at, -1, true, payload); err != nil {
			return fmt.Errorf("synth: audio chunk %d: %w", ai, err)
		}
		ai++
	}
	return nil
}

// Picture renders frame i: a horizontal luma ramp shifted by i, with the
// frame number in the first two luma bytes.
func Picture(cfg Config, i int) *media.Picture {
	cfg = cfg.withDefaults()
	src := &media.Picture{Format: media.PixelYUV420P, Width: cfg.Width, Height: cfg.Height}
	strides, sizes := src.Format.PlaneSizes(cfg.Width, cfg.Height)
	src.Strides = strides
	for _, n := range sizes {
		src.Planes = append(src.Planes, make([]byte, n))
	}
	y := src.Planes[0]
	for row := 0; row < cfg.Height; row++ {
		for x := 0; x < cfg.Width; x++ {
			y[row*strides[0]+x] = byte(16 + (x*4+i)%220)
		}
	}
	for _, p := range src.Planes[1:] {
		for j := range p {
			p[j] = 128
		}
	}
	binary.BigEndian.PutUint16(y, uint16(i))

	if cfg.Format == media.PixelYUV420P {
		return src
	}
	dst := &media.Picture{Format: cfg.Format, Width: cfg.Width, Height: cfg.Height}
	strides, sizes = dst.Format.PlaneSizes(cfg.Width, cfg.Height)
	dst.Strides = strides
	for _, n := range sizes {
		dst.Planes = append(dst.Planes, make([]byte, n))
	}
	if err := codec.Convert(dst, src); err != nil {
		return src
	}
	return dst
}

// FrameNumber reads back the frame number stored by Picture in a YUV420P
// picture.
func FrameNumber(pic *media.Picture) int {
	if pic == nil || len(pic.Planes) == 0 || len(pic.Planes[0]) < 2 {
		return -1
	}
	return int(binary.BigEndian.Uint16(pic.Planes[0]))
}

type tone struct {
	rate, channels int
	step           float64
	n              int64
}

func newTone(cfg Config) *tone {
	return &tone{rate: cfg.SampleRate, channels: cfg.Channels, step: 2 * math.Pi * cfg.ToneHz / float64(cfg.SampleRate)}
}

// next returns d of interleaved S16LE samples continuing the phase of the
// previous call.
func (t *tone) next(d time.Duration) []byte {
	frames := int(int64(d) * int64(t.rate) / int64(time.Second))
	out := make([]byte, 0, frames*t.channels*2)
	for range frames {
		v := int16(math.Sin(t.step*float64(t.n)) * 0.25 * math.MaxInt16)
		for range t.channels {
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		}
		t.n++
	}
	return out
}
