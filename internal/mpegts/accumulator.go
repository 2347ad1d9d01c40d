package mpegts

import "slices"

const pidPAT = 0x0000

// programMap tracks which PIDs carry PMT sections.
type programMap struct {
	m map[uint16]bool
}

func newProgramMap() *programMap {
	return &programMap{m: make(map[uint16]bool)}
}

func (pm *programMap) addPMTPID(pid uint16) { pm.m[pid] = true }

func (pm *programMap) isPMTPID(pid uint16) bool { return pm.m[pid] }

// packetAccumulator buffers the packets of one PID until a unit boundary.
type packetAccumulator struct {
	pid        uint16
	packets    []*Packet
	programMap *programMap
}

// add appends p and returns the packets of the previous unit once p starts
// a new one, or of the current unit once a PSI section is complete.
func (pa *packetAccumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		pa.packets = nil
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	// A continuity counter jump without the discontinuity flag loses the
	// unit in progress; a repeated counter is a duplicate packet.
	if n := len(pa.packets); n > 0 && !p.Header.DiscontinuityIndicator {
		prev := pa.packets[n-1].Header.ContinuityCounter
		if p.Header.ContinuityCounter != (prev+1)&0x0F {
			if p.Header.ContinuityCounter == prev {
				return nil
			}
			pa.packets = nil
		}
	}

	// Continuation packets are useless until a unit start is seen.
	if len(pa.packets) == 0 && !p.Header.PayloadUnitStartIndicator {
		return nil
	}

	var flushed []*Packet
	if p.Header.PayloadUnitStartIndicator && len(pa.packets) > 0 {
		flushed = pa.packets
		pa.packets = nil
	}
	pa.packets = append(pa.packets, p)

	if flushed == nil && pa.isPSI() && isPSIComplete(pa.packets) {
		flushed = pa.packets
		pa.packets = nil
	}
	return flushed
}

func (pa *packetAccumulator) isPSI() bool {
	return pa.pid == pidPAT || pa.programMap.isPMTPID(pa.pid)
}

func (pa *packetAccumulator) flush() []*Packet {
	flushed := pa.packets
	pa.packets = nil
	return flushed
}

// isPSIComplete reports whether the accumulated payloads hold every section
// that starts in them.
func isPSIComplete(packets []*Packet) bool {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) < 1 {
		return false
	}
	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return false
	}
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		offset += 3 + sectionLength(payload[offset:])
		if offset > len(payload) {
			return false
		}
	}
	return true
}

// packetPool manages per-PID accumulators.
type packetPool struct {
	accs       map[uint16]*packetAccumulator
	programMap *programMap
}

func newPacketPool(pm *programMap) *packetPool {
	return &packetPool{accs: make(map[uint16]*packetAccumulator), programMap: pm}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	acc, ok := pp.accs[p.Header.PID]
	if !ok {
		acc = &packetAccumulator{pid: p.Header.PID, programMap: pp.programMap}
		pp.accs[p.Header.PID] = acc
	}
	return acc.add(p)
}

// dump flushes every accumulator, PAT first so PMT PIDs are known by the
// time their sections are parsed.
func (pp *packetPool) dump() [][]*Packet {
	pids := make([]uint16, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[pid].flush(); packets != nil {
			all = append(all, packets)
		}
	}
	return all
}

// reset drops every partially accumulated unit.
func (pp *packetPool) reset() {
	clear(pp.accs)
}
