package mpegts

import "fmt"

const syncByte = 0x47

func parsePacket(buf []byte, offset int64) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X at offset %d", buf[0], offset)
	}

	p := &Packet{Offset: offset}
	h := &p.Header
	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F

	pos := 4
	if h.HasAdaptationField {
		afLen := int(buf[pos])
		if afLen > 0 && pos+1 < PacketSize {
			flags := buf[pos+1]
			h.DiscontinuityIndicator = flags&0x80 != 0
			h.RandomAccessIndicator = flags&0x40 != 0
			// PCR_flag with 6 bytes of program_clock_reference.
			if flags&0x10 != 0 && afLen >= 7 {
				b := buf[pos+2 : pos+8]
				h.HasPCR = true
				h.PCR = int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
			}
		}
		pos += 1 + afLen
		if pos > PacketSize {
			pos = PacketSize
		}
	}

	if h.HasPayload && pos < PacketSize {
		p.Payload = make([]byte, PacketSize-pos)
		copy(p.Payload, buf[pos:])
	}

	return p, nil
}
