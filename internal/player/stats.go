package player

import (
	"sync/atomic"
	"time"
)

// counters are the per-session playback counters, updated by the workers.
type counters struct {
	videoPackets    atomic.Int64
	audioPackets    atomic.Int64
	framesDecoded   atomic.Int64
	framesPresented atomic.Int64
	framesDropped   atomic.Int64
	audioBuffers    atomic.Int64
	audioDropped    atomic.Int64
	decodeErrors    atomic.Int64
	seeks           atomic.Int64
	lastVideoPTS    atomic.Int64
	lastAudioPTS    atomic.Int64
}

// Stats is a snapshot of playback counters and queue depths, useful for
// diagnosing stalls and dropped frames.
type Stats struct {
	Session  string        `json:"session"`
	State    string        `json:"state"`
	Position time.Duration `json:"position"`
	Duration time.Duration `json:"duration"`

	VideoPackets    int64 `json:"videoPackets"`
	AudioPackets    int64 `json:"audioPackets"`
	FramesDecoded   int64 `json:"framesDecoded"`
	FramesPresented int64 `json:"framesPresented"`
	FramesDropped   int64 `json:"framesDropped"`
	AudioBuffers    int64 `json:"audioBuffers"`
	AudioDropped    int64 `json:"audioDropped"`
	DecodeErrors    int64 `json:"decodeErrors"`
	Seeks           int64 `json:"seeks"`

	LastVideoPTS time.Duration `json:"lastVideoPTS"`
	LastAudioPTS time.Duration `json:"lastAudioPTS"`

	VideoQueueDepth int `json:"videoQueueDepth"`
	AudioQueueDepth int `json:"audioQueueDepth"`
	PacketBytes     int `json:"packetBytes"`
	FrameQueueDepth int `json:"frameQueueDepth"`
	PCMBytes        int `json:"pcmBytes"`
}

// Stats returns the counters of the current session. A closed player
// returns a zero Stats with State set.
func (p *Player) Stats() Stats {
	p.mu.Lock()
	s, st := p.sess, p.state
	p.mu.Unlock()

	out := Stats{State: st.String()}
	if s == nil {
		return out
	}
	c := &s.counters
	out.Session = s.id
	out.Position = p.Position()
	out.Duration = s.duration
	out.VideoPackets = c.videoPackets.Load()
	out.AudioPackets = c.audioPackets.Load()
	out.FramesDecoded = c.framesDecoded.Load()
	out.FramesPresented = c.framesPresented.Load()
	out.FramesDropped = c.framesDropped.Load()
	out.AudioBuffers = c.audioBuffers.Load()
	out.AudioDropped = c.audioDropped.Load()
	out.DecodeErrors = c.decodeErrors.Load()
	out.Seeks = c.seeks.Load()
	out.LastVideoPTS = time.Duration(c.lastVideoPTS.Load())
	out.LastAudioPTS = time.Duration(c.lastAudioPTS.Load())

	// Queues exist once Play started.
	if s.started.Load() {
		out.VideoQueueDepth = s.vq.Len()
		out.AudioQueueDepth = s.aq.Len()
		out.PacketBytes = s.vq.Bytes() + s.aq.Bytes()
		out.FrameQueueDepth = s.frames.Len()
		out.PCMBytes = s.pcm.Bytes()
	}
	return out
}
