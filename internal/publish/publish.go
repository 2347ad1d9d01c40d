// Package publish serves transport streams held in memory to remote
// players. Streams are registered by key and sent in real time, paced by
// their duration.
package publish

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// chunkSize is seven TS packets, the usual SRT payload.
const chunkSize = 188 * 7

// ErrNoStream is returned for keys that were never registered.
var ErrNoStream = errors.New("publish: no such stream")

// Stats are the send counters of one stream across all of its viewers.
type Stats struct {
	BytesSent   int64 `json:"bytesSent"`
	Writes      int64 `json:"writes"`
	Viewers     int64 `json:"viewers"`
	Connections int64 `json:"connections"`
	Loops       int64 `json:"loops"`
}

// Stream is a registered transport stream.
type Stream struct {
	Key      string
	Data     []byte
	Duration time.Duration
	// Loop restarts the stream from the beginning when it ends.
	Loop bool

	bytesSent   atomic.Int64
	writes      atomic.Int64
	viewers     atomic.Int64
	connections atomic.Int64
	loops       atomic.Int64
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() Stats {
	return Stats{
		BytesSent:   s.bytesSent.Load(),
		Writes:      s.writes.Load(),
		Viewers:     s.viewers.Load(),
		Connections: s.connections.Load(),
		Loops:       s.loops.Load(),
	}
}

// Send writes the stream to w at its real-time rate until it ends, w fails
// or stop is closed. A looping stream only ends on failure or stop.
func (s *Stream) Send(w io.Writer, stop <-chan struct{}) error {
	if len(s.Data) == 0 {
		return nil
	}
	s.viewers.Add(1)
	s.connections.Add(1)
	defer s.viewers.Add(-1)

	var rate float64
	if s.Duration > 0 {
		rate = float64(len(s.Data)) / s.Duration.Seconds()
	}
	start := time.Now()
	var sent int64
	for {
		for off := 0; off < len(s.Data); off += chunkSize {
			end := min(off+chunkSize, len(s.Data))
			n, err := w.Write(s.Data[off:end])
			sent += int64(n)
			s.bytesSent.Add(int64(n))
			s.writes.Add(1)
			if err != nil {
				return fmt.Errorf("publish: send %s: %w", s.Key, err)
			}

			// Pacing uses the total across loops so the seam has no burst.
			if rate > 0 {
				due := time.Duration(float64(sent) / rate * float64(time.Second))
				if wait := due - time.Since(start); wait > 0 {
					select {
					case <-stop:
						return nil
					case <-time.After(wait):
					}
				}
			}
			select {
			case <-stop:
				return nil
			default:
			}
		}
		if !s.Loop {
			return nil
		}
		s.loops.Add(1)
	}
}

// Registry holds the streams available to viewers.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Register adds s, replacing any stream with the same key.
func (r *Registry) Register(s *Stream) {
	r.mu.Lock()
	r.streams[s.Key] = s
	r.mu.Unlock()
}

// Unregister removes the stream with the given key. Viewers already
// receiving it are not interrupted.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	delete(r.streams, key)
	r.mu.Unlock()
}

// Get returns the stream registered under key.
func (r *Registry) Get(key string) (*Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoStream, key)
	}
	return s, nil
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.streams))
	for k := range r.streams {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
