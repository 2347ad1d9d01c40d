package mpegts

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Default PIDs used by the writer.
const (
	DefaultPMTPID        uint16 = 0x1000
	DefaultProgramNumber uint16 = 1
)

// MuxerStream declares one elementary stream written by a Muxer.
type MuxerStream struct {
	PID        uint16
	StreamType uint8
	StreamID   uint8
}

// Muxer writes a single-program transport stream: PAT and PMT on demand
// and PES packets split across TS packets with adaptation field stuffing.
// The first stream carries the PCR.
type Muxer struct {
	w       io.Writer
	streams []MuxerStream
	cc      map[uint16]uint8
	buf     [PacketSize]byte
	written int64
}

// NewMuxer returns a Muxer writing the given streams to w.
func NewMuxer(w io.Writer, streams ...MuxerStream) *Muxer {
	return &Muxer{w: w, streams: streams, cc: make(map[uint16]uint8)}
}

// Written returns the number of bytes written so far.
func (m *Muxer) Written() int64 { return m.written }

// WriteTables writes one PAT and one PMT packet.
func (m *Muxer) WriteTables() error {
	pat := []byte{tableIDPAT, 0, 0, 0, 1, 0xC1, 0, 0}
	pat = binary.BigEndian.AppendUint16(pat, DefaultProgramNumber)
	pat = binary.BigEndian.AppendUint16(pat, 0xE000|DefaultPMTPID)
	if err := m.writeSection(pidPAT, pat); err != nil {
		return err
	}

	var pcrPID uint16 = 0x1FFF
	if len(m.streams) > 0 {
		pcrPID = m.streams[0].PID
	}
	pmt := []byte{tableIDPMT, 0, 0}
	pmt = binary.BigEndian.AppendUint16(pmt, DefaultProgramNumber)
	pmt = append(pmt, 0xC1, 0, 0)
	pmt = binary.BigEndian.AppendUint16(pmt, 0xE000|pcrPID)
	pmt = append(pmt, 0xF0, 0x00)
	for _, s := range m.streams {
		pmt = append(pmt, s.StreamType)
		pmt = binary.BigEndian.AppendUint16(pmt, 0xE000|s.PID)
		pmt = append(pmt, 0xF0, 0x00)
	}
	return m.writeSection(DefaultPMTPID, pmt)
}

// writeSection fills in section_length, appends the CRC and writes the
// section in a single packet with 0xFF payload stuffing.
func (m *Muxer) writeSection(pid uint16, section []byte) error {
	length := len(section) - 3 + 4
	section[1] = 0xB0 | byte(length>>8)&0x0F
	section[2] = byte(length)
	section = appendCRC32(section)

	payload := make([]byte, PacketSize-4)
	for i := range payload {
		payload[i] = 0xFF
	}
	payload[0] = 0 // pointer_field
	if copy(payload[1:], section) < len(section) {
		return fmt.Errorf("mpegts: section of %d bytes does not fit one packet", len(section))
	}
	_, err := m.writePacket(pid, true, false, -1, payload)
	return err
}

// WritePES writes one PES packet on pid. A negative pts omits timestamps;
// dts is written only when it differs from pts. randomAccess sets the
// random_access_indicator on the first TS packet.
func (m *Muxer) WritePES(pid uint16, pts, dts int64, randomAccess bool, data []byte) error {
	s, ok := m.stream(pid)
	if !ok {
		return fmt.Errorf("mpegts: PID 0x%X not declared", pid)
	}

	hdr := []byte{0, 0, 1, s.StreamID, 0, 0, 0x80, 0, 0}
	switch {
	case pts < 0:
	case dts >= 0 && dts != pts:
		hdr[7], hdr[8] = 0xC0, 10
		hdr = append(hdr, make([]byte, 10)...)
		putTimestamp(hdr[9:], 0x3, pts)
		putTimestamp(hdr[14:], 0x1, dts)
	default:
		hdr[7], hdr[8] = 0x80, 5
		hdr = append(hdr, make([]byte, 5)...)
		putTimestamp(hdr[9:], 0x2, pts)
	}
	if n := len(hdr) - 6 + len(data); n <= 0xFFFF && s.StreamID != StreamIDVideo {
		binary.BigEndian.PutUint16(hdr[4:], uint16(n))
	}

	pcr := int64(-1)
	if pid == m.streams[0].PID && pts >= 0 {
		pcr = pts
		if dts >= 0 {
			pcr = dts
		}
	}

	payload := append(hdr, data...)
	first := true
	for len(payload) > 0 {
		n, err := m.writePacket(pid, first, first && randomAccess, pcr, payload)
		if err != nil {
			return err
		}
		payload = payload[n:]
		first, pcr = false, -1
	}
	return nil
}

func (m *Muxer) stream(pid uint16) (MuxerStream, bool) {
	for _, s := range m.streams {
		if s.PID == pid {
			return s, true
		}
	}
	return MuxerStream{}, false
}

// writePacket writes as much of data as fits in one packet and returns the
// number of bytes consumed. Unused space becomes adaptation field stuffing.
func (m *Muxer) writePacket(pid uint16, pusi, randomAccess bool, pcr int64, data []byte) (int, error) {
	b := m.buf[:]
	b[0] = syncByte
	b[1] = byte(pid>>8) & 0x1F
	if pusi {
		b[1] |= 0x40
	}
	b[2] = byte(pid)

	// Minimum adaptation field: length byte, flags byte and the PCR.
	afMin := 0
	if randomAccess || pcr >= 0 {
		afMin = 2
		if pcr >= 0 {
			afMin += 6
		}
	}
	n := min(len(data), PacketSize-4-afMin)
	afTotal := PacketSize - 4 - n

	cc := m.cc[pid]
	m.cc[pid] = (cc + 1) & 0x0F
	b[3] = 0x10 | cc
	pos := 4
	if afTotal > 0 {
		b[3] |= 0x20
		b[pos] = byte(afTotal - 1)
		pos++
		if afTotal > 1 {
			var flags byte
			if randomAccess {
				flags |= 0x40
			}
			if pcr >= 0 {
				flags |= 0x10
			}
			b[pos] = flags
			pos++
			if pcr >= 0 {
				base := pcr & (1<<33 - 1)
				b[pos] = byte(base >> 25)
				b[pos+1] = byte(base >> 17)
				b[pos+2] = byte(base >> 9)
				b[pos+3] = byte(base >> 1)
				b[pos+4] = byte(base&1)<<7 | 0x7E
				b[pos+5] = 0
				pos += 6
			}
			for ; pos < 4+afTotal; pos++ {
				b[pos] = 0xFF
			}
		}
	}
	copy(b[pos:], data[:n])

	if _, err := m.w.Write(b); err != nil {
		return 0, fmt.Errorf("mpegts: write: %w", err)
	}
	m.written += PacketSize
	return n, nil
}
