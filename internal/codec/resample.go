package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zsiec/reel/internal/media"
)

// linearResampler converts sample format, channel count and rate. Rate
// conversion interpolates linearly between neighbouring input frames and
// carries the last frame and the fractional read position across buffers,
// so consecutive buffers join without clicks.
type linearResampler struct {
	in, out media.AudioFormat
	step    float64 // input frames per output frame

	hist    []float32 // last input frame of the previous buffer, out.Channels wide
	hasHist bool
	pos     float64 // next read position; -1 addresses hist
}

// NewLinearResampler returns a pure-Go resampler from in to out.
func NewLinearResampler(in, out media.AudioFormat) (Resampler, error) {
	if in.SampleRate <= 0 || in.Channels <= 0 || out.SampleRate <= 0 || out.Channels <= 0 {
		return nil, fmt.Errorf("codec: resample %s to %s: %w", in, out, ErrUnsupported)
	}
	return &linearResampler{
		in:   in,
		out:  out,
		step: float64(in.SampleRate) / float64(out.SampleRate),
		hist: make([]float32, out.Channels),
	}, nil
}

func (r *linearResampler) Resample(b *media.AudioBuffer) (*media.AudioBuffer, error) {
	if b.EOS {
		return &media.AudioBuffer{Format: r.out, PTS: b.PTS, Serial: b.Serial, EOS: true}, nil
	}
	if b.Format != r.in {
		return nil, fmt.Errorf("codec: resampler built for %s got %s: %w", r.in, b.Format, ErrInvalidData)
	}
	frames := r.remix(decodeSamples(b.Data, r.in))
	ch := r.out.Channels
	n := len(frames) / ch

	if r.in.SampleRate == r.out.SampleRate {
		return &media.AudioBuffer{Format: r.out, Data: encodeSamples(frames, r.out), PTS: b.PTS, Serial: b.Serial}, nil
	}

	at := func(i int) []float32 {
		if i < 0 {
			return r.hist
		}
		return frames[i*ch : (i+1)*ch]
	}
	if !r.hasHist {
		r.pos = 0
	}
	start := r.pos
	est := int(float64(n)/r.step) + 2
	outFrames := make([]float32, 0, est*ch)
	for n > 0 {
		i := int(math.Floor(r.pos))
		if i+1 > n-1 {
			break
		}
		f := float32(r.pos - float64(i))
		a, c := at(i), at(i+1)
		for k := range ch {
			outFrames = append(outFrames, a[k]+(c[k]-a[k])*f)
		}
		r.pos += r.step
	}
	if n > 0 {
		copy(r.hist, at(n-1))
		r.hasHist = true
		r.pos -= float64(n)
	}

	pts := b.PTS + time.Duration(start*float64(time.Second)/float64(r.in.SampleRate))
	return &media.AudioBuffer{Format: r.out, Data: encodeSamples(outFrames, r.out), PTS: pts, Serial: b.Serial}, nil
}

// remix maps interleaved input frames to out.Channels. Downmixing to mono
// averages every channel; otherwise output channel k takes input channel k,
// repeating the last input channel when the output is wider.
func (r *linearResampler) remix(s []float32) []float32 {
	ic, oc := r.in.Channels, r.out.Channels
	if ic == oc {
		return s
	}
	n := len(s) / ic
	out := make([]float32, n*oc)
	for i := range n {
		src := s[i*ic : (i+1)*ic]
		dst := out[i*oc : (i+1)*oc]
		if oc == 1 {
			var sum float32
			for _, v := range src {
				sum += v
			}
			dst[0] = sum / float32(ic)
			continue
		}
		for k := range oc {
			dst[k] = src[min(k, ic-1)]
		}
	}
	return out
}

func (r *linearResampler) Flush() {
	r.hasHist = false
	r.pos = 0
	clear(r.hist)
}

func (r *linearResampler) Close() error { return nil }

func decodeSamples(data []byte, f media.AudioFormat) []float32 {
	bps := f.Sample.BytesPerSample()
	out := make([]float32, len(data)/bps)
	for i := range out {
		o := i * bps
		if f.Sample == media.SampleF32 {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[o:]))
		} else {
			out[i] = float32(int16(binary.LittleEndian.Uint16(data[o:]))) / 32768
		}
	}
	return out
}

func encodeSamples(s []float32, f media.AudioFormat) []byte {
	bps := f.Sample.BytesPerSample()
	out := make([]byte, len(s)*bps)
	for i, v := range s {
		o := i * bps
		if f.Sample == media.SampleF32 {
			binary.LittleEndian.PutUint32(out[o:], math.Float32bits(v))
			continue
		}
		x := math.Round(float64(v) * 32768)
		x = max(-32768, min(32767, x))
		binary.LittleEndian.PutUint16(out[o:], uint16(int16(x)))
	}
	return out
}
