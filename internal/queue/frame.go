package queue

import (
	"time"

	"github.com/zsiec/reel/internal/media"
)

// FrameQueue holds decoded pictures waiting to be presented. Capacity is a
// hard item count.
type FrameQueue struct {
	c    *core[*media.Picture]
	pool *media.PicturePool
}

// NewFrameQueue returns a queue holding at most size pictures. Pictures
// discarded by Flush are returned to pool when it is non-nil.
func NewFrameQueue(size int, pool *media.PicturePool) *FrameQueue {
	if size < 1 {
		size = 1
	}
	return &FrameQueue{c: newCore[*media.Picture](Limits{MaxItems: size}), pool: pool}
}

// Push appends pic, blocking while the queue is full. Pictures decoded
// before the last flush are rejected with ErrFlushed.
func (q *FrameQueue) Push(pic *media.Picture) error { return q.c.push(pic, pic.Size(), pic.Serial) }

// Head describes the oldest queued picture as it was when peeked. The
// picture stays owned by the queue until PopHead returns it.
type Head struct {
	Pic    *media.Picture
	PTS    time.Duration
	Serial uint64
	EOS    bool
}

// PeekHead describes the oldest picture without removing it, blocking while
// the queue is empty.
func (q *FrameQueue) PeekHead() (Head, error) {
	var h Head
	_, err := q.c.wait(false, func(pic *media.Picture) {
		h = Head{Pic: pic, PTS: pic.PTS, Serial: pic.Serial, EOS: pic.EOS}
	})
	return h, err
}

// PeekEarliest returns the presentation time of the oldest picture,
// blocking while the queue is empty.
func (q *FrameQueue) PeekEarliest() (time.Duration, error) {
	h, err := q.PeekHead()
	return h.PTS, err
}

// PopHead removes and returns the oldest picture if it is still the one h
// describes. It reports false when a flush or stop got there first.
func (q *FrameQueue) PopHead(h Head) (*media.Picture, bool) {
	return q.c.popIf(func(pic *media.Picture, serial uint64) bool {
		return pic == h.Pic && serial == h.Serial
	})
}

// Flush discards every picture and rejects pictures older than serial.
func (q *FrameQueue) Flush(serial uint64) {
	for _, pic := range q.c.flush(serial) {
		if q.pool != nil {
			q.pool.Put(pic)
		}
	}
}

// Stop wakes every caller with ErrStopped. It is idempotent.
func (q *FrameQueue) Stop() { q.c.stop() }

// Len returns the number of queued pictures.
func (q *FrameQueue) Len() int {
	n, _ := q.c.stats()
	return n
}

// Changed returns a channel closed on the next state change.
func (q *FrameQueue) Changed() <-chan struct{} { return q.c.changedCh() }
