package player

import (
	"errors"
	"time"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

// pacerPoll bounds a single wait for a picture's presentation time, so a
// clock that moves faster than wall time is noticed.
const pacerPoll = 20 * time.Millisecond

// runPacer presents pictures when the clock reaches their timestamp. It
// peeks at the oldest picture to decide when to take it; the picture stays
// in the frame queue until it is due, stale or dropped.
func (s *session) runPacer() {
	for {
		h, err := s.frames.PeekHead()
		if errors.Is(err, queue.ErrStopped) {
			return
		}
		if err != nil {
			continue
		}

		wake := s.wake.C()
		serial := s.serial.Load()
		switch {
		case h.Serial != serial:
			s.discard(h)
			continue
		case h.EOS:
			s.frames.PopHead(h)
			s.markDone(media.KindVideo, serial)
			continue
		}

		paused := s.paused.Load()
		preview := paused && s.preview.Load() == serial
		if paused && !preview {
			select {
			case <-s.stop:
				return
			case <-wake:
			}
			continue
		}

		if !preview {
			delay := h.PTS - s.clock.Now()
			if delay > 0 {
				t := time.NewTimer(min(delay, pacerPoll))
				select {
				case <-s.stop:
					t.Stop()
					return
				case <-wake:
				case <-t.C:
				}
				t.Stop()
				continue
			}
			if s.late > 0 && -delay > s.late && s.frames.Len() > 1 {
				s.discard(h)
				continue
			}
		}

		s.deliver(h, serial)
	}
}

// discard drops the peeked picture without presenting it.
func (s *session) discard(h queue.Head) {
	if pic, ok := s.frames.PopHead(h); ok {
		s.counters.framesDropped.Add(1)
		s.pool.Put(pic)
	}
}

// deliver takes the peeked picture from the queue and hands it to the
// presentation sink, unless a pause or seek happened since the pacer
// looked at it.
func (s *session) deliver(h queue.Head, serial uint64) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.serial.Load() != serial {
		return false
	}
	drawNow := false
	if s.paused.Load() {
		if s.preview.Load() != serial {
			return false
		}
		drawNow = true
	}
	pic, ok := s.frames.PopHead(h)
	if !ok {
		return false
	}
	if drawNow {
		s.preview.Store(0)
	}

	s.p.present(pic)
	s.counters.framesPresented.Add(1)
	s.counters.lastVideoPTS.Store(int64(pic.PTS))
	if fl := s.p.opts.FrameListener; fl != nil {
		if drawNow {
			fl.DrawFrame()
		} else {
			fl.UpdateFrame()
		}
	}
	s.listener.ChangedFramePosition(pic.Ticks, s.totalTicks())
	return true
}
