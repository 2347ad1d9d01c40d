package codec

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/zsiec/reel/internal/media"
)

// Uncompressed payload layouts carried in private TS stream types.
//
// Raw video: fmt(1) width(2) height(2), then the planes of the picture in
// fmt, tightly packed, big endian header fields.
//
// PCM: channels(1) sample_rate(3), then interleaved signed 16-bit little
// endian samples.
const (
	rawVideoHeaderSize = 5
	pcmHeaderSize      = 4
)

// EncodeRawVideo serializes pic into the raw video payload layout.
func EncodeRawVideo(pic *media.Picture) []byte {
	out := make([]byte, rawVideoHeaderSize, rawVideoHeaderSize+pic.Size())
	out[0] = byte(pic.Format)
	binary.BigEndian.PutUint16(out[1:], uint16(pic.Width))
	binary.BigEndian.PutUint16(out[3:], uint16(pic.Height))
	for _, p := range pic.Planes {
		out = append(out, p...)
	}
	return out
}

// EncodePCM serializes interleaved S16LE samples into the PCM payload
// layout.
func EncodePCM(sampleRate, channels int, samples []byte) []byte {
	out := make([]byte, pcmHeaderSize, pcmHeaderSize+len(samples))
	out[0] = byte(channels)
	out[1] = byte(sampleRate >> 16)
	out[2] = byte(sampleRate >> 8)
	out[3] = byte(sampleRate)
	return append(out, samples...)
}

// rawVideoDecoder unpacks raw video payloads and converts them to the
// configured output format.
type rawVideoDecoder struct {
	cfg VideoConfig
	log *slog.Logger
	src *media.Picture
}

func newRawVideoDecoder(cfg VideoConfig) (VideoDecoder, error) {
	return &rawVideoDecoder{cfg: cfg, log: cfg.Logger.With("component", "rawvideo")}, nil
}

func (d *rawVideoDecoder) Decode(pkt *media.Packet) ([]*media.Picture, error) {
	if pkt == nil || pkt.EOS {
		return nil, nil
	}
	data := pkt.Data
	if len(data) < rawVideoHeaderSize {
		return nil, fmt.Errorf("codec: raw video header: %w", ErrInvalidData)
	}
	f := media.PixelFormat(data[0])
	w := int(binary.BigEndian.Uint16(data[1:]))
	h := int(binary.BigEndian.Uint16(data[3:]))
	strides, sizes := f.PlaneSizes(w, h)
	if sizes == nil || w == 0 || h == 0 {
		return nil, fmt.Errorf("codec: raw video %s %dx%d: %w", f, w, h, ErrInvalidData)
	}
	body := data[rawVideoHeaderSize:]
	total := 0
	for _, n := range sizes {
		total += n
	}
	if len(body) != total {
		return nil, fmt.Errorf("codec: raw video payload %d bytes, want %d: %w", len(body), total, ErrInvalidData)
	}

	if d.src == nil || d.src.Format != f || d.src.Width != w || d.src.Height != h {
		d.src = &media.Picture{Format: f, Width: w, Height: h, Strides: strides, Planes: make([][]byte, len(sizes))}
	}
	off := 0
	for i, n := range sizes {
		d.src.Planes[i] = body[off : off+n]
		off += n
	}

	out := d.cfg.Pool.Get(d.cfg.Format, w, h)
	if err := Convert(out, d.src); err != nil {
		d.cfg.Pool.Put(out)
		return nil, err
	}
	stamp(out, pkt, d.cfg.Stream.TimeBase)
	return []*media.Picture{out}, nil
}

func (d *rawVideoDecoder) Flush() {}

func (d *rawVideoDecoder) Close() error { return nil }

// stamp copies timing from pkt onto pic.
func stamp(pic *media.Picture, pkt *media.Packet, tb media.Rational) {
	pic.Ticks = pkt.PTS
	pic.PTS = tb.Duration(pkt.PTS)
	pic.Serial = pkt.Serial
}

type pcmDecoder struct {
	tb media.Rational
}

func newPCMDecoder(cfg AudioConfig) (AudioDecoder, error) {
	return &pcmDecoder{tb: cfg.Stream.TimeBase}, nil
}

func (d *pcmDecoder) Decode(pkt *media.Packet) ([]*media.AudioBuffer, error) {
	if pkt == nil || pkt.EOS {
		return nil, nil
	}
	data := pkt.Data
	if len(data) < pcmHeaderSize {
		return nil, fmt.Errorf("codec: pcm header: %w", ErrInvalidData)
	}
	f := media.AudioFormat{
		Channels:   int(data[0]),
		SampleRate: int(data[1])<<16 | int(data[2])<<8 | int(data[3]),
		Sample:     media.SampleS16,
	}
	body := data[pcmHeaderSize:]
	if f.Channels == 0 || f.SampleRate == 0 || len(body)%f.BytesPerFrame() != 0 {
		return nil, fmt.Errorf("codec: pcm %s with %d bytes: %w", f, len(body), ErrInvalidData)
	}
	return []*media.AudioBuffer{{
		Format: f,
		Data:   body,
		PTS:    d.tb.Duration(pkt.PTS),
		Serial: pkt.Serial,
	}}, nil
}

func (d *pcmDecoder) Flush() {}

func (d *pcmDecoder) Close() error { return nil }
