// Package media defines the types that flow through the reel playback
// pipeline, from demuxing through decode to presentation.
package media

import (
	"fmt"
	"math"
	"time"
)

// Queue limits. The byte budget bounds the compressed backlog held by a
// single packet queue; the item counts are soft limits the demuxer uses to
// stop reading ahead once both queues hold enough work.
const (
	MaxQueueBytes         = 15 * 1024 * 1024
	MaxVideoPackets       = 200
	MaxAudioPackets       = 100
	VideoPictureQueueSize = 2
)

// NoPTS marks a packet without a presentation timestamp.
const NoPTS = math.MinInt64

// Kind classifies an elementary stream.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// CodecID names the compression format of a stream.
type CodecID string

const (
	CodecUnknown  CodecID = ""
	CodecH264     CodecID = "h264"
	CodecHEVC     CodecID = "hevc"
	CodecRawVideo CodecID = "rawvideo"
	CodecAAC      CodecID = "aac"
	CodecMP3      CodecID = "mp3"
	CodecPCM      CodecID = "pcm_s16le"
)

// Rational is a time base: one tick lasts Num/Den seconds.
type Rational struct {
	Num int64
	Den int64
}

// TimeBase90k is the MPEG-TS system clock time base.
var TimeBase90k = Rational{Num: 1, Den: 90000}

// Valid reports whether r can be used for conversions.
func (r Rational) Valid() bool { return r.Num > 0 && r.Den > 0 }

// Seconds converts ticks to fractional seconds.
func (r Rational) Seconds(ticks int64) float64 {
	if !r.Valid() {
		return 0
	}
	return float64(ticks) * float64(r.Num) / float64(r.Den)
}

// Duration converts ticks to a time.Duration without intermediate overflow
// for any 33-bit MPEG timestamp.
func (r Rational) Duration(ticks int64) time.Duration {
	if !r.Valid() {
		return 0
	}
	n := ticks * r.Num
	whole := n / r.Den
	rem := n % r.Den
	return time.Duration(whole)*time.Second + time.Duration(rem*int64(time.Second)/r.Den)
}

// Ticks converts a duration to ticks, truncating toward zero.
func (r Rational) Ticks(d time.Duration) int64 {
	if !r.Valid() {
		return 0
	}
	sec := int64(d / time.Second)
	frac := int64(d % time.Second)
	return (sec*r.Den + frac*r.Den/int64(time.Second)) / r.Num
}

func (r Rational) String() string { return fmt.Sprintf("%d/%d", r.Num, r.Den) }

// StreamDescriptor describes one elementary stream of an open container.
// Descriptors are immutable while the container stays open.
type StreamDescriptor struct {
	Index      int
	PID        uint16
	StreamType uint8
	Kind       Kind
	Codec      CodecID
	TimeBase   Rational

	// Video streams.
	Width     int
	Height    int
	FrameRate float64

	// Audio streams.
	SampleRate int
	Channels   int
}

// Packet is one compressed unit of a single stream. PTS and DTS are in the
// stream's time base and are normalized so that the container starts at 0.
type Packet struct {
	Stream   int
	Kind     Kind
	PTS      int64
	DTS      int64
	Data     []byte
	Keyframe bool
	Serial   uint64

	// EOS marks the end-of-stream marker the demuxer pushes after the last
	// packet. It carries no data.
	EOS bool
}

// Size is the number of payload bytes accounted against queue budgets.
func (p *Packet) Size() int { return len(p.Data) }
