package player

import (
	"errors"
	"time"

	"github.com/zsiec/reel/internal/codec"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

// runVideo decodes video packets into the frame queue.
func (s *session) runVideo(dec codec.VideoDecoder) {
	log := s.log.With("component", "video-decoder")
	defer func() {
		if err := dec.Close(); err != nil {
			log.Warn("closing decoder", "error", err)
		}
	}()

	var (
		last   uint64
		failed uint64
		errs   int
	)
	for {
		pkt, err := s.vq.Pop()
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
			last, errs = pkt.Serial, 0
		}

		if pkt.EOS {
			pics, _ := dec.Decode(nil)
			if !s.pushPictures(pics, serial, target) {
				return
			}
			if !s.pushVideoEOS(serial) {
				return
			}
			continue
		}

		pics, err := dec.Decode(pkt)
		if err != nil {
			errs++
			s.counters.decodeErrors.Add(1)
			log.Warn("decode failed", "pts", pkt.PTS, "consecutive", errs, "error", err)
			if errs >= MaxConsecutiveDecodeErrors {
				log.Error("video stream failed", "serial", serial)
				failed = serial
				if !s.pushVideoEOS(serial) {
					return
				}
			}
			continue
		}
		errs = 0
		if !s.pushPictures(pics, serial, target) {
			return
		}
	}
}

// pushPictures queues decoded pictures, dropping those before the seek
// target. It returns false once the frame queue is stopped.
func (s *session) pushPictures(pics []*media.Picture, serial uint64, target time.Duration) bool {
	for i, pic := range pics {
		if pic.PTS < target {
			s.counters.framesDropped.Add(1)
			s.pool.Put(pic)
			continue
		}
		pic.Serial = serial
		s.counters.framesDecoded.Add(1)
		switch err := s.frames.Push(pic); {
		case errors.Is(err, queue.ErrStopped):
			s.recycle(pics[i:])
			return false
		case err != nil:
			// Flushed by a seek: the rest belongs to the old segment.
			s.recycle(pics[i:])
			return true
		}
	}
	return true
}

func (s *session) pushVideoEOS(serial uint64) bool {
	err := s.frames.Push(&media.Picture{Serial: serial, EOS: true})
	return !errors.Is(err, queue.ErrStopped)
}

func (s *session) recycle(pics []*media.Picture) {
	for _, pic := range pics {
		s.pool.Put(pic)
	}
}
