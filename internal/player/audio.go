package player

import (
	"errors"
	"io"
	"time"

	"github.com/zsiec/reel/internal/audio"
	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

// maxLeadSilence caps the silence inserted before the first audio of a
// segment that starts after the clock.
const maxLeadSilence = 5 * time.Second

// runAudio decodes audio packets, converts them to the output format and
// queues them for the sink.
func (s *session) runAudio(dec codec.AudioDecoder) {
	log := s.log.With("component", "audio-decoder")
	var (
		rs   codec.Resampler
		rsIn media.AudioFormat
	)
	defer func() {
		if rs != nil {
			rs.Close()
		}
		if err := dec.Close(); err != nil {
			log.Warn("closing decoder", "error", err)
		}
	}()

	var (
		last   uint64
		failed uint64
		errs   int
	)
	fail := func(serial uint64) bool {
		log.Error("audio stream failed", "serial", serial)
		failed = serial
		return s.pushAudioEOS(serial)
	}
	for {
		pkt, err := s.aq.Pop()
		if errors.Is(err, queue.ErrStopped) {
			return
		}
		if err != nil {
			continue
		}
		serial, target := s.position()
		if pkt.Serial != serial || pkt.Serial == failed {
			continue
		}
		if pkt.Serial != last {
			dec.Flush()
			if rs != nil {
				rs.Flush()
			}
			last, errs = pkt.Serial, 0
		}

		var bufs []*media.AudioBuffer
		if pkt.EOS {
			bufs, _ = dec.Decode(nil)
		} else {
			bufs, err = dec.Decode(pkt)
			if err != nil {
				errs++
				s.counters.decodeErrors.Add(1)
				log.Warn("decode failed", "pts", pkt.PTS, "consecutive", errs, "error", err)
				if errs >= MaxConsecutiveDecodeErrors && !fail(serial) {
					return
				}
				continue
			}
			errs = 0
		}

		for _, b := range bufs {
			if rs == nil || b.Format != rsIn {
				if rs != nil {
					rs.Close()
				}
				rs, err = s.registry.NewResampler(b.Format, s.format)
				if err != nil {
					log.Error("no resampler", "from", b.Format, "to", s.format, "error", err)
					rs = nil
					break
				}
				rsIn = b.Format
				log.Debug("resampling", "from", b.Format, "to", s.format)
			}
			out, err := rs.Resample(b)
			if err != nil {
				log.Warn("resample failed", "error", err)
				continue
			}
			if out == nil || len(out.Data) == 0 {
				continue
			}
			out.Serial = serial
			if !out.TrimBefore(target) {
				s.counters.audioDropped.Add(1)
				continue
			}
			s.counters.audioBuffers.Add(1)
			s.counters.lastAudioPTS.Store(int64(out.PTS))
			if err := s.pcm.Push(out); errors.Is(err, queue.ErrStopped) {
				return
			}
		}
		if rs == nil && len(bufs) > 0 {
			if !fail(serial) {
				return
			}
			continue
		}
		if pkt.EOS && !s.pushAudioEOS(serial) {
			return
		}
	}
}

func (s *session) pushAudioEOS(serial uint64) bool {
	err := s.pcm.Push(&media.AudioBuffer{Format: s.format, Serial: serial, EOS: true})
	return !errors.Is(err, queue.ErrStopped)
}

// runFeedback advances the clock with what the sink played.
func (s *session) runFeedback(fb <-chan audio.Feedback) {
	for {
		select {
		case <-s.stop:
			return
		case f := <-fb:
			s.clock.Advance(f.Elapsed, f.Serial)
			if f.Drained {
				s.markDone(media.KindAudio, f.Serial)
			}
		}
	}
}

// pcmSource feeds the sink from the PCM queue. It is read by the sink's
// goroutine only.
type pcmSource struct {
	s *session

	cur     *media.AudioBuffer
	serial  uint64
	started bool // first buffer of serial seen
	silence int  // bytes of silence owed before cur
	eof     uint64
}

func (src *pcmSource) ReadPCM(p []byte) (int, uint64, error) {
	s := src.s
	serial, target := s.position()
	if serial != src.serial {
		src.cur, src.serial, src.started, src.silence = nil, serial, false, 0
	}
	if s.audio == nil {
		return 0, serial, io.EOF
	}

	n := 0
	for n < len(p) {
		if src.silence > 0 {
			k := min(src.silence, len(p)-n)
			clear(p[n : n+k])
			n += k
			src.silence -= k
			continue
		}
		if src.cur == nil {
			if src.eof == serial {
				break
			}
			b, ok, err := s.pcm.TryPop()
			if err != nil || !ok {
				break
			}
			if b.Serial != serial {
				continue
			}
			if b.EOS {
				src.eof = serial
				break
			}
			if !src.align(b, target) {
				s.counters.audioDropped.Add(1)
				continue
			}
			src.cur = b
			continue
		}
		k := copy(p[n:], src.cur.Data)
		n += k
		src.cur.Data = src.cur.Data[k:]
		if len(src.cur.Data) == 0 {
			src.cur = nil
		}
	}
	if n == 0 && src.eof == serial {
		return 0, serial, io.EOF
	}
	return n, serial, nil
}

// align lines b up with the clock: the first buffer of a segment that
// starts late is preceded by silence, and samples the clock has already
// passed are trimmed. It reports false when nothing of b is left.
func (src *pcmSource) align(b *media.AudioBuffer, target time.Duration) bool {
	now := max(src.s.clock.Now(), target)
	if !src.started {
		src.started = true
		if gap := b.PTS - now; gap > 0 {
			src.silence = b.Format.Bytes(min(gap, maxLeadSilence))
			return true
		}
	}
	return b.TrimBefore(now)
}
