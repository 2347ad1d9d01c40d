package codec

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/media"
)

func videoStream() media.StreamDescriptor {
	return media.StreamDescriptor{Kind: media.KindVideo, Codec: media.CodecRawVideo, TimeBase: media.TimeBase90k}
}

func solidRGB(w, h int, r, g, b byte) *media.Picture {
	pic := media.NewPicturePool().Get(media.PixelRGB24, w, h)
	for i := 0; i < len(pic.Planes[0]); i += 3 {
		pic.Planes[0][i], pic.Planes[0][i+1], pic.Planes[0][i+2] = r, g, b
	}
	return pic
}

func TestRegistryUnsupported(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.NewVideoDecoder(VideoConfig{Stream: media.StreamDescriptor{Kind: media.KindVideo, Codec: "vp9"}})
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
	if r.Supports(media.StreamDescriptor{Kind: media.KindAudio, Codec: "opus"}) {
		t.Error("opus reported as supported")
	}
	if !r.Supports(media.StreamDescriptor{Kind: media.KindAudio, Codec: media.CodecPCM}) {
		t.Error("pcm not supported")
	}
}

func TestRawVideoDecodeConverts(t *testing.T) {
	t.Parallel()

	src := solidRGB(4, 2, 200, 40, 90)
	pkt := &media.Packet{Data: EncodeRawVideo(src), PTS: 180000, Serial: 3}

	dec, err := NewRegistry().NewVideoDecoder(VideoConfig{Stream: videoStream(), Format: media.PixelRGB24})
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()

	pics, err := dec.Decode(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if len(pics) != 1 {
		t.Fatalf("got %d pictures", len(pics))
	}
	pic := pics[0]
	if pic.PTS != 2*time.Second || pic.Ticks != 180000 || pic.Serial != 3 {
		t.Errorf("timing = %v ticks %d serial %d", pic.PTS, pic.Ticks, pic.Serial)
	}
	if pic.Planes[0][0] != 200 || pic.Planes[0][4] != 40 {
		t.Errorf("pixels not copied: % x", pic.Planes[0][:6])
	}

	yuvDec, _ := NewRegistry().NewVideoDecoder(VideoConfig{Stream: videoStream(), Format: media.PixelYUV420P})
	pics, err = yuvDec.Decode(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if pics[0].Format != media.PixelYUV420P || len(pics[0].Planes) != 3 {
		t.Errorf("got %s with %d planes", pics[0].Format, len(pics[0].Planes))
	}
}

func TestRawVideoRejectsBadPayload(t *testing.T) {
	t.Parallel()

	dec, _ := NewRegistry().NewVideoDecoder(VideoConfig{Stream: videoStream(), Format: media.PixelRGB24})
	good := EncodeRawVideo(solidRGB(2, 2, 1, 2, 3))

	for name, data := range map[string][]byte{
		"short header": good[:3],
		"truncated":    good[:len(good)-1],
		"zero size":    {byte(media.PixelRGB24), 0, 0, 0, 2},
		"bad format":   {9, 0, 2, 0, 2},
	} {
		if _, err := dec.Decode(&media.Packet{Data: data}); !errors.Is(err, ErrInvalidData) {
			t.Errorf("%s: err = %v, want ErrInvalidData", name, err)
		}
	}
	if pics, err := dec.Decode(nil); err != nil || len(pics) != 0 {
		t.Errorf("drain = %v, %v", pics, err)
	}
}

func TestPCMDecode(t *testing.T) {
	t.Parallel()

	samples := make([]byte, 4*10)
	pkt := &media.Packet{Data: EncodePCM(44100, 2, samples), PTS: 45000, Serial: 1}
	dec, err := NewRegistry().NewAudioDecoder(AudioConfig{Stream: media.StreamDescriptor{Kind: media.KindAudio, Codec: media.CodecPCM, TimeBase: media.TimeBase90k}})
	if err != nil {
		t.Fatal(err)
	}
	bufs, err := dec.Decode(pkt)
	if err != nil || len(bufs) != 1 {
		t.Fatalf("Decode = %v, %v", bufs, err)
	}
	b := bufs[0]
	want := media.AudioFormat{SampleRate: 44100, Channels: 2, Sample: media.SampleS16}
	if b.Format != want || b.PTS != 500*time.Millisecond || len(b.Data) != 40 {
		t.Errorf("got %s pts %v len %d", b.Format, b.PTS, len(b.Data))
	}

	odd := EncodePCM(48000, 2, make([]byte, 6))
	if _, err := dec.Decode(&media.Packet{Data: odd}); !errors.Is(err, ErrInvalidData) {
		t.Errorf("partial frame err = %v", err)
	}
}

func TestConvertRoundTrip(t *testing.T) {
	t.Parallel()

	pool := media.NewPicturePool()
	colors := [][3]byte{{128, 128, 128}, {255, 0, 0}, {0, 255, 0}, {10, 20, 250}}
	for _, c := range colors {
		for _, via := range []media.PixelFormat{media.PixelYUV420P, media.PixelYUYV422} {
			src := solidRGB(3, 3, c[0], c[1], c[2])
			mid := pool.Get(via, 3, 3)
			if err := Convert(mid, src); err != nil {
				t.Fatal(err)
			}
			back := pool.Get(media.PixelRGB24, 3, 3)
			if err := Convert(back, mid); err != nil {
				t.Fatal(err)
			}
			for i := range 3 {
				if d := int(back.Planes[0][i]) - int(c[i]); d < -4 || d > 4 {
					t.Errorf("%v via %s: channel %d = %d", c, via, i, back.Planes[0][i])
				}
			}
		}
	}
}

func TestConvertSizeMismatch(t *testing.T) {
	t.Parallel()

	pool := media.NewPicturePool()
	if err := Convert(pool.Get(media.PixelRGB24, 2, 2), pool.Get(media.PixelRGB24, 4, 2)); err == nil {
		t.Error("expected size mismatch error")
	}
}

func s16(vals ...int16) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestResamplerChannelsAndFormat(t *testing.T) {
	t.Parallel()

	in := media.AudioFormat{SampleRate: 48000, Channels: 1, Sample: media.SampleS16}
	out := media.AudioFormat{SampleRate: 48000, Channels: 2, Sample: media.SampleF32}
	r, err := NewRegistry().NewResampler(in, out)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resample(&media.AudioBuffer{Format: in, Data: s16(16384, -16384), PTS: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if b.Format != out || len(b.Data) != 16 || b.PTS != time.Second {
		t.Fatalf("got %s len %d pts %v", b.Format, len(b.Data), b.PTS)
	}
	want := []float32{0.5, 0.5, -0.5, -0.5}
	for i, w := range want {
		got := math.Float32frombits(binary.LittleEndian.Uint32(b.Data[4*i:]))
		if got != w {
			t.Errorf("sample %d = %v, want %v", i, got, w)
		}
	}
}

func TestResamplerRateContinuity(t *testing.T) {
	t.Parallel()

	in := media.AudioFormat{SampleRate: 44100, Channels: 1, Sample: media.SampleS16}
	out := media.AudioFormat{SampleRate: 48000, Channels: 1, Sample: media.SampleS16}
	r, err := NewLinearResampler(in, out)
	if err != nil {
		t.Fatal(err)
	}

	// A slow ramp split across many buffers must come out as a monotone
	// ramp of about 48000/44100 times as many samples.
	const chunk = 441
	var total int
	last := int16(math.MinInt16)
	for c := range 100 {
		vals := make([]int16, chunk)
		for i := range vals {
			vals[i] = int16(c*chunk + i - 22050)
		}
		b, err := r.Resample(&media.AudioBuffer{Format: in, Data: s16(vals...), PTS: time.Duration(c) * 10 * time.Millisecond})
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < len(b.Data); i += 2 {
			v := int16(binary.LittleEndian.Uint16(b.Data[i:]))
			if v < last {
				t.Fatalf("chunk %d: sample %d went backwards (%d < %d)", c, i/2, v, last)
			}
			last = v
		}
		total += len(b.Data) / 2
	}
	if total < 47990 || total > 48000 {
		t.Errorf("total output = %d samples, want ~48000", total)
	}

	r.Flush()
	b, _ := r.Resample(&media.AudioBuffer{Format: in, Data: s16(1, 2, 3)})
	if b.PTS != 0 {
		t.Errorf("after flush first PTS = %v, want 0", b.PTS)
	}
}

func TestResamplerRejectsWrongInput(t *testing.T) {
	t.Parallel()

	in := media.AudioFormat{SampleRate: 44100, Channels: 2, Sample: media.SampleS16}
	r, _ := NewLinearResampler(in, media.DefaultAudioFormat)
	if _, err := r.Resample(&media.AudioBuffer{Format: media.DefaultAudioFormat, Data: s16(1, 2)}); !errors.Is(err, ErrInvalidData) {
		t.Errorf("err = %v", err)
	}
	eos, err := r.Resample(&media.AudioBuffer{EOS: true, Serial: 4})
	if err != nil || !eos.EOS || eos.Serial != 4 {
		t.Errorf("EOS passthrough = %+v, %v", eos, err)
	}
}
