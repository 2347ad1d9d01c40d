package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reel/internal/demux"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/mpegts"
)

type streamType struct {
	kind  media.Kind
	codec media.CodecID
}

// streamTypes lists the PMT stream types handed to decoders. Other
// elementary streams are ignored.
var streamTypes = map[uint8]streamType{
	mpegts.StreamTypeH264:       {media.KindVideo, media.CodecH264},
	mpegts.StreamTypeHEVC:       {media.KindVideo, media.CodecHEVC},
	mpegts.StreamTypeRawVideo:   {media.KindVideo, media.CodecRawVideo},
	mpegts.StreamTypeAAC:        {media.KindAudio, media.CodecAAC},
	mpegts.StreamTypeMPEG1Audio: {media.KindAudio, media.CodecMP3},
	mpegts.StreamTypeMPEG2Audio: {media.KindAudio, media.CodecMP3},
	mpegts.StreamTypePCM:        {media.KindAudio, media.CodecPCM},
}

const (
	// durationWindow is the first tail span scanned for the last timestamp.
	durationWindow = 1 << 20
	// seekWindow bounds the scan for the first timestamp after an offset.
	seekWindow = 2 << 20
	// seekBackoff is the first step taken backwards when no keyframe
	// precedes the bisection point.
	seekBackoff = 512 * 1024

	ptsWrap = int64(1) << 33
)

// TSSource reads an MPEG transport stream. When the underlying reader is an
// io.ReadSeeker the source measures the duration and supports Seek.
type TSSource struct {
	log  *slog.Logger
	opts Options

	rs        io.ReadSeeker
	size      int64
	closer    io.Closer
	interrupt func()
	intOnce   sync.Once

	dmx      *mpegts.Demuxer
	streams  []media.StreamDescriptor
	byPID    map[uint16]int
	ref      int
	start    int64
	duration time.Duration

	// pending holds units read while probing a reader that cannot rewind.
	pending []*mpegts.DemuxerData

	captions    *demux.CaptionExtractor
	interrupted atomic.Bool
}

// NewTSSource reads the head of r and returns a source positioned at its first
// packet. If r implements io.Closer, Close closes it. r is not closed when
// stream discovery fails.
func NewTSSource(r io.Reader, opts Options) (*TSSource, error) {
	return newTSSource(r, opts, nil)
}

func newTSSource(r io.Reader, opts Options, interrupt func()) (*TSSource, error) {
	opts = opts.withDefaults()
	s := &TSSource{
		log:       opts.Logger.With("component", "container"),
		opts:      opts,
		interrupt: interrupt,
		byPID:     make(map[uint16]int),
		captions:  demux.NewCaptionExtractor(),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	if rs, ok := r.(io.ReadSeeker); ok {
		if size, err := rs.Seek(0, io.SeekEnd); err == nil && size > 0 {
			if _, err := rs.Seek(0, io.SeekStart); err == nil {
				s.rs, s.size = rs, size
			}
		}
	}
	s.dmx = mpegts.NewDemuxer(r)

	if err := s.discover(); err != nil {
		return nil, err
	}
	if s.rs != nil {
		s.duration = s.measureDuration()
		if _, err := s.rs.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("container: rewind: %w", err)
		}
		s.dmx.Reset(0)
	}

	for _, sd := range s.streams {
		s.log.Debug("stream",
			"index", sd.Index, "pid", sd.PID, "kind", sd.Kind, "codec", sd.Codec,
			"width", sd.Width, "height", sd.Height,
			"sample_rate", sd.SampleRate, "channels", sd.Channels)
	}
	s.log.Info("opened", "streams", len(s.streams), "duration", s.duration, "seekable", s.rs != nil)
	return s, nil
}

// discover reads until every stream of the first program carries a timestamp
// or the discovery budget runs out. Streams never seen with a timestamp are
// dropped.
func (s *TSSource) discover() error {
	var pmt *mpegts.PMTData
	first := make(map[uint16]int64)

	for s.dmx.Offset() < s.opts.DiscoveryBytes {
		if s.interrupted.Load() {
			return ErrInterrupted
		}
		d, err := s.dmx.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("container: discover streams: %w", err)
		}
		if s.rs == nil {
			s.pending = append(s.pending, d)
		}

		switch {
		case d.PMT != nil && pmt == nil:
			pmt = d.PMT
			s.addStreams(pmt)
		case d.PES != nil:
			idx, ok := s.byPID[d.PID()]
			if !ok {
				continue
			}
			s.fillParams(&s.streams[idx], d.PES.Data)
			if _, ok := first[d.PID()]; !ok {
				if pts, ok := d.PES.PTS(); ok {
					first[d.PID()] = pts
				}
			}
		}
		if pmt != nil && len(first) == len(s.streams) {
			break
		}
	}
	if pmt == nil {
		return fmt.Errorf("container: no program map in the first %d bytes: %w", s.dmx.Offset(), ErrNoStreams)
	}

	kept := s.streams[:0]
	clear(s.byPID)
	start, haveStart := int64(0), false
	for _, sd := range s.streams {
		pts, ok := first[sd.PID]
		if !ok {
			s.log.Warn("dropping stream without timestamps", "pid", sd.PID, "codec", sd.Codec)
			continue
		}
		if !haveStart || pts < start {
			start, haveStart = pts, true
		}
		sd.Index = len(kept)
		s.byPID[sd.PID] = sd.Index
		kept = append(kept, sd)
	}
	s.streams = kept
	if len(s.streams) == 0 {
		return ErrNoStreams
	}
	s.start = start
	for i, sd := range s.streams {
		if sd.Kind == media.KindVideo {
			s.ref = i
			break
		}
	}
	return nil
}

func (s *TSSource) addStreams(pmt *mpegts.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		st, ok := streamTypes[es.StreamType]
		if !ok {
			s.log.Debug("ignoring elementary stream", "pid", es.ElementaryPID, "stream_type", es.StreamType)
			continue
		}
		s.byPID[es.ElementaryPID] = len(s.streams)
		s.streams = append(s.streams, media.StreamDescriptor{
			Index:      len(s.streams),
			PID:        es.ElementaryPID,
			StreamType: es.StreamType,
			Kind:       st.kind,
			Codec:      st.codec,
			TimeBase:   media.TimeBase90k,
		})
	}
}

// fillParams reads picture size and audio layout from the first payload
// that carries them.
func (s *TSSource) fillParams(sd *media.StreamDescriptor, data []byte) {
	if sd.Width > 0 || sd.SampleRate > 0 {
		return
	}
	switch sd.Codec {
	case media.CodecH264:
		for _, n := range demux.ParseAnnexB(data) {
			if n.Type != demux.NALTypeSPS {
				continue
			}
			if info, err := demux.ParseSPS(n.Data); err == nil {
				sd.Width, sd.Height, sd.FrameRate = info.Width, info.Height, info.FrameRate
				return
			}
		}
	case media.CodecRawVideo:
		if len(data) >= 5 {
			sd.Width = int(binary.BigEndian.Uint16(data[1:]))
			sd.Height = int(binary.BigEndian.Uint16(data[3:]))
		}
	case media.CodecAAC:
		if frames, err := demux.ParseADTS(data); err == nil && len(frames) > 0 {
			sd.SampleRate, sd.Channels = frames[0].SampleRate, frames[0].Channels
		}
	case media.CodecPCM:
		if len(data) >= 4 {
			sd.Channels = int(data[0])
			sd.SampleRate = int(data[1])<<16 | int(data[2])<<8 | int(data[3])
		}
	}
}

// rel converts a 33-bit timestamp to ticks since the container start,
// undoing one wrap in either direction.
func (s *TSSource) rel(pts int64) int64 {
	d := pts - s.start
	switch {
	case d < -ptsWrap/2:
		d += ptsWrap
	case d > ptsWrap/2:
		d -= ptsWrap
	}
	return d
}

// measureDuration scans growing tail spans of the input for the last
// timestamp of the reference stream and adds one frame interval.
func (s *TSSource) measureDuration() time.Duration {
	ref := s.streams[s.ref]
	var last, prev int64
	found := false
	for span := int64(durationWindow); ; span *= 4 {
		off := max(0, s.size-span)
		off -= off % mpegts.PacketSize
		err := s.scan(off, func(d *mpegts.DemuxerData) bool {
			if d.PES == nil || d.PID() != ref.PID {
				return true
			}
			pts, ok := d.PES.PTS()
			if !ok {
				return true
			}
			n := s.rel(pts)
			switch {
			case !found:
				last, prev, found = n, n, true
			case n > last:
				last, prev = n, last
			case n > prev && n < last:
				prev = n
			}
			return true
		})
		if err != nil {
			s.log.Warn("duration scan failed", "error", err)
			return 0
		}
		if found || off == 0 {
			break
		}
	}
	if !found {
		return 0
	}
	return ref.TimeBase.Duration(last + (last - prev))
}

// scan reads the input from off with a fresh demuxer until fn returns
// false or the input ends.
func (s *TSSource) scan(off int64, fn func(*mpegts.DemuxerData) bool) error {
	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return err
	}
	dmx := mpegts.NewDemuxer(s.rs, mpegts.WithStartOffset(off))
	for {
		if s.interrupted.Load() {
			return ErrInterrupted
		}
		d, err := dmx.NextData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if !fn(d) {
			return nil
		}
	}
}

func (s *TSSource) Streams() []media.StreamDescriptor { return s.streams }

func (s *TSSource) Duration() time.Duration { return s.duration }

func (s *TSSource) Seekable() bool { return s.rs != nil }

// ReadPacket returns the next PES of a playable stream.
func (s *TSSource) ReadPacket() (*media.Packet, error) {
	for {
		if s.interrupted.Load() {
			return nil, ErrInterrupted
		}
		d, err := s.next()
		if err != nil {
			switch {
			case s.interrupted.Load():
				return nil, ErrInterrupted
			case errors.Is(err, io.EOF):
				return nil, io.EOF
			}
			return nil, fmt.Errorf("container: read: %w", err)
		}
		if d.PES == nil {
			continue
		}
		idx, ok := s.byPID[d.PID()]
		if !ok {
			continue
		}
		return s.packet(idx, d.PES), nil
	}
}

func (s *TSSource) next() (*mpegts.DemuxerData, error) {
	if len(s.pending) > 0 {
		d := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		return d, nil
	}
	return s.dmx.NextData()
}

func (s *TSSource) packet(idx int, pes *mpegts.PESData) *media.Packet {
	sd := s.streams[idx]
	pkt := &media.Packet{
		Stream:   idx,
		Kind:     sd.Kind,
		PTS:      media.NoPTS,
		DTS:      media.NoPTS,
		Data:     pes.Data,
		Keyframe: demux.IsRandomAccess(sd.Codec, pes.Data),
	}
	if pts, ok := pes.PTS(); ok {
		pkt.PTS = s.rel(pts)
	}
	if dts, ok := pes.DTS(); ok {
		pkt.DTS = s.rel(dts)
	}

	if sd.Codec == media.CodecH264 && s.opts.OnCaption != nil && pkt.PTS != media.NoPTS {
		for _, c := range s.captions.AccessUnit(pes.Data, pkt.PTS) {
			s.opts.OnCaption(Caption{PTS: sd.TimeBase.Duration(c.PTS), Text: c.Text, Channel: c.Channel})
		}
	}
	return pkt
}

// Seek positions the source on the last keyframe of the reference stream
// whose timestamp is at or before target. The search bisects the file on
// packet boundaries and then walks backwards until a keyframe is found.
func (s *TSSource) Seek(target time.Duration) error {
	if s.rs == nil {
		return ErrNotSeekable
	}
	target = max(target, 0)
	ref := s.streams[s.ref]
	off, err := s.findKeyframe(ref, ref.TimeBase.Ticks(target))
	if err != nil {
		return fmt.Errorf("container: seek to %v: %w", target, err)
	}
	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("container: seek to %v: %w", target, err)
	}
	s.dmx.Reset(off)
	s.pending = nil
	s.captions.Reset()
	s.log.Debug("seek", "target", target, "offset", off)
	return nil
}

func (s *TSSource) findKeyframe(ref media.StreamDescriptor, want int64) (int64, error) {
	lo, hi := int64(0), s.size/mpegts.PacketSize
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		pts, ok, err := s.firstPTS(mid*mpegts.PacketSize, ref.PID)
		if err != nil {
			return 0, err
		}
		if !ok || pts > want {
			hi = mid
		} else {
			lo = mid
		}
	}

	back := int64(seekBackoff / mpegts.PacketSize)
	for from := lo; ; {
		off, ok, err := s.lastKeyframe(from*mpegts.PacketSize, ref, want)
		if err != nil {
			return 0, err
		}
		if ok {
			return off, nil
		}
		if from == 0 {
			return 0, nil
		}
		from = max(0, from-back)
		back *= 2
	}
}

// firstPTS returns the timestamp of the first unit of pid that starts at
// or after off.
func (s *TSSource) firstPTS(off int64, pid uint16) (pts int64, ok bool, err error) {
	err = s.scan(off, func(d *mpegts.DemuxerData) bool {
		if d.Offset-off > seekWindow {
			return false
		}
		if d.PES == nil || d.PID() != pid {
			return true
		}
		if p, has := d.PES.PTS(); has {
			pts, ok = s.rel(p), true
			return false
		}
		return true
	})
	return pts, ok, err
}

// lastKeyframe returns the offset of the last keyframe of ref found after
// from whose timestamp does not exceed want.
func (s *TSSource) lastKeyframe(from int64, ref media.StreamDescriptor, want int64) (off int64, ok bool, err error) {
	err = s.scan(from, func(d *mpegts.DemuxerData) bool {
		if d.PES == nil || d.PID() != ref.PID {
			return true
		}
		p, has := d.PES.PTS()
		if !has {
			return true
		}
		if s.rel(p) > want {
			return false
		}
		if demux.IsRandomAccess(ref.Codec, d.PES.Data) {
			off, ok = d.Offset, true
		}
		return true
	})
	return off, ok, err
}

// Interrupt makes pending and future reads fail with ErrInterrupted.
func (s *TSSource) Interrupt() {
	s.interrupted.Store(true)
	s.intOnce.Do(func() {
		if s.interrupt != nil {
			s.interrupt()
		}
	})
}

func (s *TSSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
