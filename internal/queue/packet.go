package queue

import "github.com/zsiec/reel/internal/media"

// PacketQueue holds compressed packets for one stream. Its byte budget is a
// hard cap; its item limit is soft and only reported through Full so the
// demuxer can stop reading ahead.
type PacketQueue struct {
	c *core[*media.Packet]
}

// NewPacketQueue returns a queue capped at maxBytes with a soft limit of
// maxItems packets.
func NewPacketQueue(maxBytes, maxItems int) *PacketQueue {
	return &PacketQueue{c: newCore[*media.Packet](Limits{MaxBytes: maxBytes, MaxItems: maxItems, SoftItems: true})}
}

// Push appends p, blocking while it would exceed the byte budget. It
// returns ErrFlushed for packets older than the last flush serial.
func (q *PacketQueue) Push(p *media.Packet) error { return q.c.push(p, p.Size(), p.Serial) }

// Pop removes and returns the oldest packet, blocking while empty.
func (q *PacketQueue) Pop() (*media.Packet, error) { return q.c.wait(true, nil) }

// Flush discards every queued packet and rejects packets older than serial.
// Blocked callers return ErrFlushed.
func (q *PacketQueue) Flush(serial uint64) { q.c.flush(serial) }

// Stop wakes every caller with ErrStopped. It is idempotent.
func (q *PacketQueue) Stop() { q.c.stop() }

// Len returns the number of queued packets.
func (q *PacketQueue) Len() int {
	n, _ := q.c.stats()
	return n
}

// Bytes returns the queued payload size.
func (q *PacketQueue) Bytes() int {
	_, b := q.c.stats()
	return b
}

// Full reports whether the soft item limit or the byte budget is reached.
func (q *PacketQueue) Full() bool { return q.c.full() }

// Serial returns the minimum accepted packet serial.
func (q *PacketQueue) Serial() uint64 { return q.c.currentSerial() }

// Changed returns a channel closed on the next state change.
func (q *PacketQueue) Changed() <-chan struct{} { return q.c.changedCh() }
