package demux

import (
	"bytes"

	"github.com/zsiec/reel/internal/media"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALBlaWLP    = 16
	HEVCNALCraNut    = 21
	HEVCNALVPS       = 32
	HEVCNALSPS       = 33
	HEVCNALPPS       = 34
	HEVCNALSEIPrefix = 39
)

var startCode = []byte{0, 0, 1}

// NALUnit is one NAL unit of an Annex B stream.
type NALUnit struct {
	Type byte   // codec-specific: 5 bits for H.264, 6 bits for H.265
	Data []byte // NAL header and payload, without the start code
}

// scanAnnexB splits data on 3- and 4-byte start codes. The zero byte that
// precedes a 3-byte start code is treated as part of a 4-byte code, so it
// never ends up as trailing data of the previous unit.
func scanAnnexB(data []byte, minNALBytes int, nalType func([]byte) byte) []NALUnit {
	var units []NALUnit
	start := -1
	emit := func(end int) {
		if start < 0 || end-start < minNALBytes {
			return
		}
		nal := data[start:end]
		units = append(units, NALUnit{Type: nalType(nal), Data: nal})
	}

	for i := 0; i < len(data); {
		j := bytes.Index(data[i:], startCode)
		if j < 0 {
			break
		}
		pos := i + j
		end := pos
		if end > 0 && data[end-1] == 0 {
			end--
		}
		emit(end)
		start = pos + len(startCode)
		i = start
	}
	emit(len(data))
	return units
}

// ParseAnnexB splits an H.264 Annex B byte stream into NAL units.
func ParseAnnexB(data []byte) []NALUnit {
	return scanAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// HEVCNALType extracts the type from the first byte of a 2-byte HEVC NAL
// header: forbidden(1) | type(6) | layer_id_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// ParseAnnexBHEVC splits an H.265 Annex B byte stream into NAL units.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return scanAnnexB(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// IsKeyframe reports whether an H.264 NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool { return nalType == NALTypeIDR }

// IsHEVCKeyframe reports whether an H.265 NAL type is a random access point
// (BLA, IDR or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// IsRandomAccess reports whether an access unit of the given codec can start
// decoding. H.264 units qualify when they carry an SPS or an IDR slice;
// H.265 units when they carry an IRAP picture. Uncompressed payloads are
// always random access points.
func IsRandomAccess(codec media.CodecID, au []byte) bool {
	switch codec {
	case media.CodecH264:
		for _, n := range ParseAnnexB(au) {
			if n.Type == NALTypeSPS || IsKeyframe(n.Type) {
				return true
			}
		}
		return false
	case media.CodecHEVC:
		for _, n := range ParseAnnexBHEVC(au) {
			if IsHEVCKeyframe(n.Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// removeEmulationPrevention strips the 0x03 bytes inserted after every
// 0x0000 pair in a NAL payload.
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
