package mpegts

import (
	"errors"
	"fmt"
)

var errNotPES = errors.New("mpegts: invalid PES start code")

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalPESHeader reports whether stream_id carries the optional PES
// header. Padding, private_stream_2, ECM, EMM, DSMCC, H.222.1 type E and the
// program stream directory do not.
func hasOptionalPESHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !isPESPayload(payload) {
		return nil, errNotPES
	}

	streamID := payload[3]
	declared := int(payload[4])<<8 | int(payload[5])
	pes := &PESData{Header: &PESHeader{StreamID: streamID}}

	// end is the exclusive end of the PES packet; a zero length means the
	// packet runs to the end of the reassembled payload.
	end := len(payload)
	if declared > 0 && 6+declared <= len(payload) {
		end = 6 + declared
	}

	if !hasOptionalPESHeader(streamID) {
		pes.Data = payload[6:end]
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	// payload[7] top bits: PTS_DTS_flags. payload[8]: PES_header_data_length.
	flags := payload[7] >> 6
	dataStart := 9 + int(payload[8])
	if dataStart > end {
		dataStart = end
	}

	opt := &PESOptionalHeader{}
	if flags&0x2 != 0 && len(payload) >= 14 {
		opt.PTS = parseTimestamp(payload[9:14])
		if flags == 0x3 && len(payload) >= 19 {
			opt.DTS = parseTimestamp(payload[14:19])
		}
	}
	pes.Header.OptionalHeader = opt
	pes.Data = payload[dataStart:end]
	return pes, nil
}

// parseTimestamp extracts a 33-bit PTS or DTS from its 5-byte encoding.
func parseTimestamp(bs []byte) *ClockReference {
	if len(bs) < 5 {
		return nil
	}
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}

// putTimestamp writes a 33-bit timestamp with the given 4-bit prefix and
// marker bits.
func putTimestamp(dst []byte, prefix byte, ts int64) {
	ts &= 1<<33 - 1
	dst[0] = prefix<<4 | byte(ts>>29)&0x0E | 0x01
	dst[1] = byte(ts >> 22)
	dst[2] = byte(ts>>14)&0xFE | 0x01
	dst[3] = byte(ts >> 7)
	dst[4] = byte(ts<<1)&0xFE | 0x01
}
