package player

import (
	"errors"
	"io"
	"time"

	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/queue"
)

// backlogPoll bounds how long the demuxer sleeps on full queues without a
// change notification.
const backlogPoll = 100 * time.Millisecond

// runDemux owns the source: it reads packets, routes them to the packet
// queues and performs the seeks requested by the controller.
func (s *session) runDemux() {
	log := s.log.With("component", "demuxer")
	var (
		serial  uint64 = 1
		needKey        = true
		eos     bool
	)
	for {
		if s.stopped() {
			return
		}
		if sp := s.takeSeek(); sp != nil {
			serial = sp.serial
			if err := s.src.Seek(sp.target); err != nil {
				log.Warn("seek failed", "target", sp.target, "error", err)
			}
			// The source may have taken a while; restart the clock from the
			// target so no stream time elapsed during the seek.
			s.clock.Reset(sp.target, sp.serial)
			needKey, eos = true, false
			if s.captions != nil {
				s.captions.Reset()
			}
			log.Debug("seek done", "target", sp.target, "serial", sp.serial)
			s.p.seekDone(s, sp.serial)
			continue
		}

		if eos {
			select {
			case <-s.stop:
				return
			case <-s.seekCh:
			}
			continue
		}

		vc, ac := s.vq.Changed(), s.aq.Changed()
		if s.backlogged() {
			t := time.NewTimer(backlogPoll)
			select {
			case <-s.stop:
			case <-s.seekCh:
			case <-vc:
			case <-ac:
			case <-t.C:
			}
			t.Stop()
			continue
		}

		pkt, err := s.src.ReadPacket()
		if err != nil {
			if s.stopped() {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Info("end of stream", "serial", serial)
				s.pushEOS(serial)
				s.listener.OnEndOfStream()
				eos = true
				continue
			}
			log.Error("read failed", "error", err)
			s.listener.OnEndOfStream()
			s.p.closeAsync(s)
			return
		}

		var q *queue.PacketQueue
		switch {
		case s.video != nil && pkt.Stream == s.video.Index:
			if needKey && !pkt.Keyframe {
				continue
			}
			needKey = false
			q = s.vq
			s.counters.videoPackets.Add(1)
		case s.audio != nil && pkt.Stream == s.audio.Index:
			q = s.aq
			s.counters.audioPackets.Add(1)
		default:
			continue
		}
		pkt.Serial = serial
		switch err := q.Push(pkt); {
		case errors.Is(err, queue.ErrStopped):
			return
		case errors.Is(err, queue.ErrOversize):
			log.Warn("packet exceeds queue budget", "stream", pkt.Stream, "bytes", len(pkt.Data))
		}
	}
}

// backlogged reports whether the decoders have enough input: every
// playing stream's queue is full, or the queues together hold the byte
// budget.
func (s *session) backlogged() bool {
	if s.vq.Bytes()+s.aq.Bytes() >= media.MaxQueueBytes {
		return true
	}
	return (s.video == nil || s.vq.Full()) && (s.audio == nil || s.aq.Full())
}

// pushEOS queues the end marker for each playing stream.
func (s *session) pushEOS(serial uint64) {
	if s.video != nil {
		s.vq.Push(&media.Packet{Stream: s.video.Index, Kind: media.KindVideo, Serial: serial, EOS: true})
	}
	if s.audio != nil {
		s.aq.Push(&media.Packet{Stream: s.audio.Index, Kind: media.KindAudio, Serial: serial, EOS: true})
	}
}
