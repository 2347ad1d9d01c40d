package queue

import "github.com/zsiec/reel/internal/media"

// AudioQueue hands resampled PCM from the audio decoder to the audio sink.
// The producer blocks on the byte budget; the consumer never blocks and
// plays silence when TryPop finds nothing.
type AudioQueue struct {
	c *core[*media.AudioBuffer]
}

// NewAudioQueue returns a queue holding at most maxBytes of PCM.
func NewAudioQueue(maxBytes int) *AudioQueue {
	return &AudioQueue{c: newCore[*media.AudioBuffer](Limits{MaxBytes: maxBytes})}
}

// Push appends b, blocking while the budget is exhausted.
func (q *AudioQueue) Push(b *media.AudioBuffer) error { return q.c.push(b, b.Size(), b.Serial) }

// TryPop removes the oldest buffer without blocking. ok is false when the
// queue is empty.
func (q *AudioQueue) TryPop() (b *media.AudioBuffer, ok bool, err error) { return q.c.tryPop() }

// Flush discards every buffer and rejects buffers older than serial.
func (q *AudioQueue) Flush(serial uint64) { q.c.flush(serial) }

// Stop wakes every caller with ErrStopped. It is idempotent.
func (q *AudioQueue) Stop() { q.c.stop() }

// Bytes returns the queued PCM size.
func (q *AudioQueue) Bytes() int {
	_, b := q.c.stats()
	return b
}

// Serial returns the minimum accepted buffer serial.
func (q *AudioQueue) Serial() uint64 { return q.c.currentSerial() }
