package mpegts

import (
	"encoding/binary"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

func isPSIPayload(pid uint16, pm *programMap) bool {
	return pid == pidPAT || pm.isPMTPID(pid)
}

func parsePSI(payload []byte, first *Packet) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}

	offset := 1 + int(payload[0]) // pointer_field
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var results []*DemuxerData
	for offset+3 <= len(payload) {
		tableID := payload[offset]
		// 0xFF is stuffing; a clear section_syntax_indicator means zero
		// padding rather than a PAT/PMT section.
		if tableID == 0xFF || payload[offset+1]&0x80 == 0 {
			break
		}
		end := offset + 3 + sectionLength(payload[offset:])
		if end > len(payload) {
			break
		}
		section := payload[offset:end]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: first, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: first, PMT: pmt})
		}
		offset = end
	}
	return results, nil
}

func sectionLength(section []byte) int {
	return int(section[1]&0x0F)<<8 | int(section[2])
}

// parsePATSection decodes a PAT: an 8-byte header, 4-byte program entries,
// and a trailing CRC32.
func parsePATSection(data []byte) (*PATData, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}

	pat := &PATData{TransportStreamID: binary.BigEndian.Uint16(data[3:5])}
	entriesEnd := min(3+sectionLength(data), len(data)) - 4
	for i := 8; i+4 <= entriesEnd; i += 4 {
		number := binary.BigEndian.Uint16(data[i:])
		pid := binary.BigEndian.Uint16(data[i+2:]) & 0x1FFF
		if number == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{ProgramNumber: number, ProgramMapID: pid})
	}
	return pat, nil
}

// parsePMTSection decodes a PMT: a 12-byte header, program descriptors,
// elementary stream entries, and a trailing CRC32.
func parsePMTSection(data []byte) (*PMTData, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}

	pmt := &PMTData{
		ProgramNumber: binary.BigEndian.Uint16(data[3:5]),
		PCRPID:        binary.BigEndian.Uint16(data[8:10]) & 0x1FFF,
	}
	entriesEnd := min(3+sectionLength(data), len(data)) - 4
	offset := 12 + int(binary.BigEndian.Uint16(data[10:12])&0x0FFF)

	for offset+5 <= entriesEnd {
		infoLen := int(binary.BigEndian.Uint16(data[offset+3:]) & 0x0FFF)
		es := &PMTElementaryStream{
			StreamType:    data[offset],
			ElementaryPID: binary.BigEndian.Uint16(data[offset+1:]) & 0x1FFF,
		}
		if descEnd := offset + 5 + infoLen; infoLen > 0 && descEnd <= entriesEnd {
			es.Descriptors = append([]byte(nil), data[offset+5:descEnd]...)
		}
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, es)
		offset += 5 + infoLen
	}
	return pmt, nil
}
