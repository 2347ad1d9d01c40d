package mpegts

import (
	"errors"
	"io"
)

// Demuxer reads transport stream packets from a reader and produces
// DemuxerData for every PAT, PMT, and PES unit. It is not safe for
// concurrent use.
type Demuxer struct {
	reader        io.Reader
	readBuf       []byte
	pool          *packetPool
	programMap    *programMap
	packetsParser PacketsParser

	// offset is the input position of the next packet read.
	offset  int64
	pending []*DemuxerData
	eof     bool
}

// DemuxerOption configures a Demuxer.
type DemuxerOption func(*Demuxer)

// WithPacketsParser installs a callback that sees every PID's packets
// before the built-in parsers.
func WithPacketsParser(p PacketsParser) DemuxerOption {
	return func(d *Demuxer) { d.packetsParser = p }
}

// WithStartOffset sets the input position reported for the first packet,
// for readers that do not start at byte zero.
func WithStartOffset(off int64) DemuxerOption {
	return func(d *Demuxer) { d.offset = off }
}

// NewDemuxer creates a demuxer reading from r.
func NewDemuxer(r io.Reader, opts ...DemuxerOption) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		reader:     r,
		readBuf:    make([]byte, PacketSize),
		programMap: pm,
		pool:       newPacketPool(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reset discards buffered units and partially accumulated packets after
// the caller repositioned the underlying reader to off. Known PMT PIDs are
// kept.
func (d *Demuxer) Reset(off int64) {
	d.pool.reset()
	d.pending = nil
	d.eof = false
	d.offset = off
}

// Offset returns the input position of the next packet to be read.
func (d *Demuxer) Offset() int64 { return d.offset }

// NextData returns the next parsed unit. It returns io.EOF once the input
// is exhausted and every buffered unit has been returned.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending = d.pending[1:]
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}

		off := d.offset
		n, err := io.ReadFull(d.reader, d.readBuf)
		d.offset += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				for _, packets := range d.pool.dump() {
					d.enqueue(packets)
				}
				continue
			}
			return nil, err
		}

		pkt, err := parsePacket(d.readBuf, off)
		if err != nil {
			continue // corrupt packets are skipped
		}
		if flushed := d.pool.add(pkt); flushed != nil {
			d.enqueue(flushed)
		}
	}
}

// enqueue parses one unit's packets and buffers the results. Corrupt
// sections and PES packets are dropped.
func (d *Demuxer) enqueue(packets []*Packet) {
	results, err := d.processPackets(packets)
	if err != nil {
		return
	}
	for _, r := range results {
		r.Offset = packets[0].Offset
		if r.PAT != nil {
			for _, p := range r.PAT.Programs {
				d.programMap.addPMTPID(p.ProgramMapID)
			}
		}
	}
	d.pending = append(d.pending, results...)
}

func (d *Demuxer) processPackets(packets []*Packet) ([]*DemuxerData, error) {
	if len(packets) == 0 {
		return nil, nil
	}
	first := packets[0]

	if d.packetsParser != nil {
		ds, skip, err := d.packetsParser(packets)
		if err != nil {
			return nil, err
		}
		if skip {
			return ds, nil
		}
	}

	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	if isPSIPayload(first.Header.PID, d.programMap) {
		return parsePSI(payload, first)
	}
	if !isPESPayload(payload) {
		return nil, nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		return nil, err
	}
	pes.RandomAccess = first.Header.RandomAccessIndicator
	return []*DemuxerData{{FirstPacket: first, PES: pes}}, nil
}
