package demux

import "errors"

var (
	errSPSTooShort = errors.New("demux: SPS data too short")
	errSPSInvalid  = errors.New("demux: SPS field out of range")
)

// SPSInfo is the picture geometry carried by an H.264 sequence parameter
// set. FrameRate is zero when the SPS has no VUI timing information.
type SPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	LevelIDC   byte
	FrameRate  float64
}

// bitReader reads an RBSP most significant bit first. The first read past
// the end sets err; later reads return zero, so a parse can run to the end
// and check err once.
type bitReader struct {
	data []byte
	pos  int
	err  error
}

func (br *bitReader) u(n int) uint64 {
	var v uint64
	for range n {
		if br.pos >= len(br.data)*8 {
			if br.err == nil {
				br.err = errSPSTooShort
			}
			return 0
		}
		bit := br.data[br.pos/8] >> (7 - br.pos%8) & 1
		v = v<<1 | uint64(bit)
		br.pos++
	}
	return v
}

func (br *bitReader) flag() bool { return br.u(1) == 1 }

// ue reads an Exp-Golomb unsigned value.
func (br *bitReader) ue() uint64 {
	zeros := 0
	for br.u(1) == 0 {
		if br.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			br.err = errSPSInvalid
			return 0
		}
	}
	return 1<<zeros - 1 + br.u(zeros)
}

func (br *bitReader) se() int64 {
	v := br.ue()
	if v%2 == 0 {
		return -int64(v / 2)
	}
	return int64(v+1) / 2
}

func (br *bitReader) skipScalingList(size int) {
	last, next := int64(8), int64(8)
	for range size {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
		if br.err != nil {
			return
		}
	}
}

var highProfiles = map[uint64]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS reads the coded size (after cropping) and VUI frame rate from an
// H.264 SPS NAL unit. nalu includes the NAL header byte but not the start
// code.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	br := &bitReader{data: removeEmulationPrevention(nalu[1:])}

	profile := br.u(8)
	br.u(8) // constraint flags
	level := br.u(8)
	br.ue() // seq_parameter_set_id

	chromaFormat := uint64(1)
	separatePlanes := false
	if highProfiles[profile] {
		chromaFormat = br.ue()
		if chromaFormat == 3 {
			separatePlanes = br.flag()
		}
		br.ue()   // bit_depth_luma_minus8
		br.ue()   // bit_depth_chroma_minus8
		br.flag() // qpprime_y_zero_transform_bypass
		if br.flag() {
			lists := 8
			if chromaFormat == 3 {
				lists = 12
			}
			for i := range lists {
				if br.flag() {
					if i < 6 {
						br.skipScalingList(16)
					} else {
						br.skipScalingList(64)
					}
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() {
	case 0:
		br.ue()
	case 1:
		br.flag()
		br.se()
		br.se()
		n := br.ue()
		if n > 255 {
			return SPSInfo{}, errSPSInvalid
		}
		for range n {
			br.se()
		}
	}
	br.ue()   // max_num_ref_frames
	br.flag() // gaps_in_frame_num_allowed

	widthMbs := br.ue() + 1
	heightUnits := br.ue() + 1
	frameMbsOnly := br.u(1)
	if frameMbsOnly == 0 {
		br.flag() // mb_adaptive_frame_field
	}
	br.flag() // direct_8x8_inference

	var cropL, cropR, cropT, cropB uint64
	if br.flag() {
		cropL, cropR, cropT, cropB = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return SPSInfo{}, br.err
	}

	subW, subH := uint64(2), uint64(2)
	switch {
	case separatePlanes || chromaFormat == 0 || chromaFormat == 3:
		subW, subH = 1, 1
	case chromaFormat == 2:
		subH = 1
	}
	cropX := subW
	cropY := subH * (2 - frameMbsOnly)

	w := int64(widthMbs*16) - int64(cropX*(cropL+cropR))
	h := int64(heightUnits*16*(2-frameMbsOnly)) - int64(cropY*(cropT+cropB))
	if w <= 0 || h <= 0 || w > 16384 || h > 16384 {
		return SPSInfo{}, errSPSInvalid
	}
	info := SPSInfo{Width: int(w), Height: int(h), ProfileIDC: byte(profile), LevelIDC: byte(level)}

	if !br.flag() { // vui_parameters_present
		return info, nil
	}
	if br.flag() { // aspect_ratio_info_present
		if br.u(8) == 255 {
			br.u(32) // sar_width, sar_height
		}
	}
	if br.flag() { // overscan_info_present
		br.flag()
	}
	if br.flag() { // video_signal_type_present
		br.u(4)
		if br.flag() {
			br.u(24)
		}
	}
	if br.flag() { // chroma_loc_info_present
		br.ue()
		br.ue()
	}
	if br.flag() { // timing_info_present
		units := br.u(32)
		scale := br.u(32)
		if br.err == nil && units > 0 && scale > 0 {
			info.FrameRate = float64(scale) / float64(2*units)
		}
	}
	return info, nil
}
