//go:build ffmpeg

package codec

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
)

func init() {
	astiav.SetLogLevel(astiav.LogLevelQuiet)
	RegisterFFmpeg(defaultRegistry)
}

var ffmpegCodecs = map[media.CodecID]astiav.CodecID{
	media.CodecH264: astiav.CodecIDH264,
	media.CodecHEVC: astiav.CodecIDHevc,
	media.CodecAAC:  astiav.CodecIDAac,
	media.CodecMP3:  astiav.CodecIDMp3,
}

var ffmpegPixelFormats = map[media.PixelFormat]astiav.PixelFormat{
	media.PixelYUV420P: astiav.PixelFormatYuv420P,
	media.PixelYUYV422: astiav.PixelFormatYuyv422,
	media.PixelRGB24:   astiav.PixelFormatRgb24,
}

// RegisterFFmpeg installs the libavcodec decoders into r.
func RegisterFFmpeg(r *Registry) {
	r.RegisterVideo(media.CodecH264, newFFmpegVideoDecoder)
	r.RegisterVideo(media.CodecHEVC, newFFmpegVideoDecoder)
	r.RegisterAudio(media.CodecAAC, newFFmpegAudioDecoder)
	r.RegisterAudio(media.CodecMP3, newFFmpegAudioDecoder)
}

// avContext owns one libavcodec decoder context. Flush reopens it, which
// drops every reference frame along with buffered output.
type avContext struct {
	id    astiav.CodecID
	codec *astiav.Codec
	cc    *astiav.CodecContext
	pkt   *astiav.Packet
	frame *astiav.Frame
}

func openAVContext(id media.CodecID) (*avContext, error) {
	avid, ok := ffmpegCodecs[id]
	if !ok {
		return nil, fmt.Errorf("codec: ffmpeg %q: %w", id, ErrUnsupported)
	}
	c := astiav.FindDecoder(avid)
	if c == nil {
		return nil, fmt.Errorf("codec: ffmpeg has no %q decoder: %w", id, ErrUnsupported)
	}
	a := &avContext{id: avid, codec: c, pkt: astiav.AllocPacket(), frame: astiav.AllocFrame()}
	if err := a.open(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *avContext) open() error {
	cc := astiav.AllocCodecContext(a.codec)
	if cc == nil {
		return errors.New("codec: ffmpeg: alloc codec context failed")
	}
	if err := cc.Open(a.codec, nil); err != nil {
		cc.Free()
		return fmt.Errorf("codec: ffmpeg open %s: %w", a.codec.Name(), err)
	}
	a.cc = cc
	return nil
}

// send submits data (nil drains) and calls fn for every frame produced.
func (a *avContext) send(data []byte, pts int64, fn func(*astiav.Frame) error) error {
	var p *astiav.Packet
	if data != nil {
		a.pkt.Unref()
		if err := a.pkt.FromData(data); err != nil {
			return fmt.Errorf("codec: ffmpeg packet: %w", err)
		}
		a.pkt.SetPts(pts)
		a.pkt.SetDts(pts)
		p = a.pkt
	}
	if err := a.cc.SendPacket(p); err != nil && !errors.Is(err, astiav.ErrEagain) && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("codec: ffmpeg send: %v: %w", err, ErrInvalidData)
	}
	for {
		err := a.cc.ReceiveFrame(a.frame)
		if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("codec: ffmpeg receive: %v: %w", err, ErrInvalidData)
		}
		err = fn(a.frame)
		a.frame.Unref()
		if err != nil {
			return err
		}
	}
}

func (a *avContext) flush() {
	if a.cc != nil {
		a.cc.Free()
		a.cc = nil
	}
	_ = a.open()
}

func (a *avContext) close() {
	if a.cc != nil {
		a.cc.Free()
		a.cc = nil
	}
	if a.frame != nil {
		a.frame.Free()
		a.frame = nil
	}
	if a.pkt != nil {
		a.pkt.Free()
		a.pkt = nil
	}
}

type ffmpegVideoDecoder struct {
	cfg    VideoConfig
	log    *slog.Logger
	av     *avContext
	serial uint64

	dstFmt astiav.PixelFormat
	ssc    *astiav.SoftwareScaleContext
	scaled *astiav.Frame
	srcW   int
	srcH   int
	srcFmt astiav.PixelFormat
	buf    []byte
}

func newFFmpegVideoDecoder(cfg VideoConfig) (VideoDecoder, error) {
	dst, ok := ffmpegPixelFormats[cfg.Format]
	if !ok {
		return nil, fmt.Errorf("codec: ffmpeg output %s: %w", cfg.Format, ErrUnsupported)
	}
	av, err := openAVContext(cfg.Stream.Codec)
	if err != nil {
		return nil, err
	}
	return &ffmpegVideoDecoder{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "ffmpeg-video", "codec", string(cfg.Stream.Codec)),
		av:     av,
		dstFmt: dst,
	}, nil
}

func (d *ffmpegVideoDecoder) Decode(pkt *media.Packet) ([]*media.Picture, error) {
	var (
		data []byte
		pts  = int64(astiav.NoPtsValue)
	)
	if pkt != nil && !pkt.EOS {
		data, pts, d.serial = pkt.Data, pkt.PTS, pkt.Serial
	}
	var out []*media.Picture
	err := d.av.send(data, pts, func(f *astiav.Frame) error {
		pic, err := d.picture(f)
		if err != nil {
			return err
		}
		out = append(out, pic)
		return nil
	})
	return out, err
}

// picture scales f into the configured format and copies it into a pooled
// picture.
func (d *ffmpegVideoDecoder) picture(f *astiav.Frame) (*media.Picture, error) {
	if err := d.ensureScaler(f); err != nil {
		return nil, err
	}
	if err := d.ssc.ScaleFrame(f, d.scaled); err != nil {
		return nil, fmt.Errorf("codec: ffmpeg scale: %w", err)
	}
	n, err := d.scaled.ImageBufferSize(1)
	if err != nil {
		return nil, fmt.Errorf("codec: ffmpeg image size: %w", err)
	}
	if cap(d.buf) < n {
		d.buf = make([]byte, n)
	}
	d.buf = d.buf[:n]
	if _, err := d.scaled.ImageCopyToBuffer(d.buf, 1); err != nil {
		return nil, fmt.Errorf("codec: ffmpeg image copy: %w", err)
	}

	pic := d.cfg.Pool.Get(d.cfg.Format, d.srcW, d.srcH)
	off := 0
	for i := range pic.Planes {
		off += copy(pic.Planes[i], d.buf[off:])
	}
	ticks := f.Pts()
	if ticks == astiav.NoPtsValue {
		ticks = 0
	}
	pic.Ticks = ticks
	pic.PTS = d.cfg.Stream.TimeBase.Duration(ticks)
	pic.Serial = d.serial
	return pic, nil
}

func (d *ffmpegVideoDecoder) ensureScaler(f *astiav.Frame) error {
	w, h, pf := f.Width(), f.Height(), f.PixelFormat()
	if d.ssc != nil && w == d.srcW && h == d.srcH && pf == d.srcFmt {
		return nil
	}
	d.freeScaler()

	ssc, err := astiav.CreateSoftwareScaleContext(w, h, pf, w, h, d.dstFmt, astiav.NewSoftwareScaleContextFlags())
	if err != nil {
		return fmt.Errorf("codec: ffmpeg scaler %dx%d %s: %w", w, h, pf, err)
	}
	dst := astiav.AllocFrame()
	dst.SetWidth(w)
	dst.SetHeight(h)
	dst.SetPixelFormat(d.dstFmt)
	if err := dst.AllocBuffer(1); err != nil {
		dst.Free()
		ssc.Free()
		return fmt.Errorf("codec: ffmpeg scaler buffer: %w", err)
	}
	d.ssc, d.scaled = ssc, dst
	d.srcW, d.srcH, d.srcFmt = w, h, pf
	d.log.Debug("scaler ready", "width", w, "height", h, "from", pf.String(), "to", d.cfg.Format.String())
	return nil
}

func (d *ffmpegVideoDecoder) freeScaler() {
	if d.scaled != nil {
		d.scaled.Free()
		d.scaled = nil
	}
	if d.ssc != nil {
		d.ssc.Free()
		d.ssc = nil
	}
}

func (d *ffmpegVideoDecoder) Flush() { d.av.flush() }

func (d *ffmpegVideoDecoder) Close() error {
	d.freeScaler()
	d.av.close()
	return nil
}

// ffmpegAudioDecoder decodes to packed S16 at the stream's own rate and
// channel count (at most stereo); rate conversion is left to the Resampler.
type ffmpegAudioDecoder struct {
	cfg    AudioConfig
	av     *avContext
	swr    *astiav.SoftwareResampleContext
	out    *astiav.Frame
	serial uint64
}

func newFFmpegAudioDecoder(cfg AudioConfig) (AudioDecoder, error) {
	av, err := openAVContext(cfg.Stream.Codec)
	if err != nil {
		return nil, err
	}
	swr := astiav.AllocSoftwareResampleContext()
	if swr == nil {
		av.close()
		return nil, errors.New("codec: ffmpeg: alloc resample context failed")
	}
	return &ffmpegAudioDecoder{cfg: cfg, av: av, swr: swr, out: astiav.AllocFrame()}, nil
}

func (d *ffmpegAudioDecoder) Decode(pkt *media.Packet) ([]*media.AudioBuffer, error) {
	if pkt == nil || pkt.EOS {
		return d.decodeUnit(nil, int64(astiav.NoPtsValue))
	}
	d.serial = pkt.Serial
	if d.cfg.Stream.Codec != media.CodecAAC {
		return d.decodeUnit(pkt.Data, pkt.PTS)
	}

	// A PES carries several ADTS frames; each is submitted as its own packet
	// with a timestamp advanced by the frames before it.
	frames, err := demux.ParseADTS(pkt.Data)
	if err != nil && len(frames) == 0 {
		return nil, fmt.Errorf("codec: %v: %w", err, ErrInvalidData)
	}
	var out []*media.AudioBuffer
	pts := pkt.PTS
	for _, fr := range frames {
		bufs, err := d.decodeUnit(fr.Data, pts)
		out = append(out, bufs...)
		if err != nil {
			return out, err
		}
		pts += d.cfg.Stream.TimeBase.Ticks(fr.Duration())
	}
	return out, nil
}

func (d *ffmpegAudioDecoder) decodeUnit(data []byte, pts int64) ([]*media.AudioBuffer, error) {
	var out []*media.AudioBuffer
	err := d.av.send(data, pts, func(f *astiav.Frame) error {
		b, err := d.convert(f)
		if err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

func (d *ffmpegAudioDecoder) convert(f *astiav.Frame) (*media.AudioBuffer, error) {
	channels := min(f.ChannelLayout().Channels(), 2)
	layout := astiav.ChannelLayoutStereo
	if channels == 1 {
		layout = astiav.ChannelLayoutMono
	}
	d.out.Unref()
	d.out.SetChannelLayout(layout)
	d.out.SetSampleFormat(astiav.SampleFormatS16)
	d.out.SetSampleRate(f.SampleRate())
	if err := d.swr.ConvertFrame(f, d.out); err != nil {
		return nil, fmt.Errorf("codec: ffmpeg resample: %w", err)
	}

	format := media.AudioFormat{SampleRate: f.SampleRate(), Channels: channels, Sample: media.SampleS16}
	pcm, err := d.out.Data().Bytes(0)
	if err != nil {
		return nil, fmt.Errorf("codec: ffmpeg pcm: %w", err)
	}
	pcm = pcm[:min(len(pcm), d.out.NbSamples()*format.BytesPerFrame())]

	ticks := f.Pts()
	if ticks == astiav.NoPtsValue {
		ticks = 0
	}
	return &media.AudioBuffer{
		Format: format,
		Data:   append([]byte(nil), pcm...),
		PTS:    d.cfg.Stream.TimeBase.Duration(ticks),
		Serial: d.serial,
	}, nil
}

func (d *ffmpegAudioDecoder) Flush() { d.av.flush() }

func (d *ffmpegAudioDecoder) Close() error {
	if d.out != nil {
		d.out.Free()
		d.out = nil
	}
	if d.swr != nil {
		d.swr.Free()
		d.swr = nil
	}
	d.av.close()
	return nil
}
