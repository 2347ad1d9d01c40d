package media

import (
	"fmt"
	"time"
)

// SampleFormat is the encoding of one PCM sample.
type SampleFormat int

const (
	SampleS16 SampleFormat = iota
	SampleF32
)

// BytesPerSample returns the width of one sample in bytes.
func (f SampleFormat) BytesPerSample() int {
	if f == SampleF32 {
		return 4
	}
	return 2
}

func (f SampleFormat) String() string {
	if f == SampleF32 {
		return "f32le"
	}
	return "s16le"
}

// AudioFormat describes interleaved PCM.
type AudioFormat struct {
	SampleRate int
	Channels   int
	Sample     SampleFormat
}

// DefaultAudioFormat is the output format used when none is configured.
var DefaultAudioFormat = AudioFormat{SampleRate: 48000, Channels: 2, Sample: SampleS16}

// BytesPerFrame is the size of one sample across all channels.
func (f AudioFormat) BytesPerFrame() int { return f.Channels * f.Sample.BytesPerSample() }

// Duration returns the playback time of n bytes.
func (f AudioFormat) Duration(n int) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf == 0 || f.SampleRate == 0 {
		return 0
	}
	frames := int64(n / bpf)
	return time.Duration(frames * int64(time.Second) / int64(f.SampleRate))
}

// Bytes returns the frame-aligned byte count covering d.
func (f AudioFormat) Bytes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.BytesPerFrame()
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.Sample)
}

// AudioBuffer is a run of interleaved PCM with its presentation time.
type AudioBuffer struct {
	Format AudioFormat
	Data   []byte
	PTS    time.Duration
	Serial uint64

	// EOS marks the end of the audio stream.
	EOS bool
}

// Size is the number of PCM bytes held.
func (b *AudioBuffer) Size() int { return len(b.Data) }

// Duration is the playback time of the buffer.
func (b *AudioBuffer) Duration() time.Duration { return b.Format.Duration(len(b.Data)) }

// TrimBefore drops the samples that play before t and advances PTS. It
// reports false when the whole buffer lies before t.
func (b *AudioBuffer) TrimBefore(t time.Duration) bool {
	if b.PTS >= t {
		return true
	}
	end := b.PTS + b.Duration()
	if end <= t {
		return false
	}
	cut := b.Format.Bytes(t - b.PTS)
	if cut > len(b.Data) {
		cut = len(b.Data)
	}
	b.Data = b.Data[cut:]
	b.PTS += b.Format.Duration(cut)
	return len(b.Data) > 0
}
