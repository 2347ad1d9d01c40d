// Package clock implements the master playback clock. The clock does not
// follow wall time: it moves only when the audio sink reports that samples
// were played, which keeps video paced to what the listener actually hears.
package clock

import (
	"sync"
	"time"
)

// Master is the stream-time position shared by the audio feedback path and
// the video pacer. All access is serialized by a mutex, so a reader always
// observes every advance that completed before it.
type Master struct {
	mu     sync.Mutex
	now    time.Duration
	serial uint64
	paused bool
}

// New returns a clock at zero, running, with serial 0.
func New() *Master { return &Master{} }

// Now returns the current stream time.
func (m *Master) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Serial returns the serial of the last reset.
func (m *Master) Serial() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serial
}

// Advance moves the clock forward by d. Advances are dropped while paused
// and when serial does not match the last reset, so feedback for samples
// queued before a seek cannot move the clock past the new target.
func (m *Master) Advance(d time.Duration, serial uint64) bool {
	if d <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused || serial != m.serial {
		return false
	}
	m.now += d
	return true
}

// Reset jumps the clock to target and adopts serial. Resets carrying an
// older serial than the current one are ignored.
func (m *Master) Reset(target time.Duration, serial uint64) {
	if target < 0 {
		target = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if serial < m.serial {
		return
	}
	m.now = target
	m.serial = serial
}

// Pause freezes the clock.
func (m *Master) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume lets advances through again. The clock resumes from exactly the
// value it had when paused.
func (m *Master) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// Paused reports whether the clock is frozen.
func (m *Master) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}
