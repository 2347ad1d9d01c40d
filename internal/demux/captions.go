package demux

import "github.com/zsiec/ccx"

// Caption is decoded caption text for one channel. Channels 1-4 are
// CEA-608 CC1..CC4; channels 7-12 are CEA-708 services 1-6.
type Caption struct {
	PTS     int64
	Text    string
	Channel int
}

// CaptionExtractor decodes the closed captions carried in H.264 SEI
// user data. It keeps decoder state across access units and must be fed
// access units in decode order; call Reset after a discontinuity.
type CaptionExtractor struct {
	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte
	units  int64

	// CEA-608 control codes are transmitted twice; the repeat is dropped.
	lastCtrl     [2][2]byte
	lastWasCtrl  [2]bool
	lastCtrlUnit [2]int64
}

// NewCaptionExtractor returns an extractor with fresh decoder state.
func NewCaptionExtractor() *CaptionExtractor {
	x := &CaptionExtractor{}
	x.Reset()
	return x
}

// Reset discards all decoder state.
func (x *CaptionExtractor) Reset() {
	x.cea608 = make(map[int]*ccx.CEA608Decoder, 4)
	for ch := 1; ch <= 4; ch++ {
		x.cea608[ch] = ccx.NewCEA608Decoder()
	}
	x.cea708 = make(map[int]*ccx.CEA708Service, 6)
	for svc := 1; svc <= 6; svc++ {
		x.cea708[svc] = ccx.NewCEA708Service()
	}
	x.dtvcc = x.dtvcc[:0]
	x.lastCtrl = [2][2]byte{}
	x.lastWasCtrl = [2]bool{}
	x.lastCtrlUnit = [2]int64{}
}

// AccessUnit scans one H.264 access unit and returns the captions whose
// text changed.
func (x *CaptionExtractor) AccessUnit(au []byte, pts int64) []Caption {
	x.units++
	var out []Caption
	for _, n := range ParseAnnexB(au) {
		if n.Type == NALTypeSEI {
			out = x.sei(n.Data, pts, out)
		}
	}
	return out
}

func (x *CaptionExtractor) sei(nal []byte, pts int64, out []Caption) []Caption {
	cd := ccx.ExtractCaptions(nal)
	if cd == nil {
		return out
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		if x.repeatedControl(int(pair.Field), cc1, cc2) {
			continue
		}
		dec := x.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			out = append(out, Caption{PTS: pts, Text: text, Channel: pair.Channel})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = x.drainDTVCC(pts, out)
			x.dtvcc = x.dtvcc[:0]
		}
		x.dtvcc = append(x.dtvcc, t.Data[0], t.Data[1])
	}
	return out
}

// repeatedControl reports whether cc1/cc2 is the redundant second copy of
// a control code sent within two access units of the first.
func (x *CaptionExtractor) repeatedControl(field int, cc1, cc2 byte) bool {
	if field < 0 || field > 1 {
		return false
	}
	if cc1 < 0x10 || cc1 > 0x1F {
		x.lastWasCtrl[field] = false
		return false
	}
	cp := [2]byte{cc1, cc2}
	if x.lastWasCtrl[field] && x.lastCtrl[field] == cp && x.units-x.lastCtrlUnit[field] <= 2 {
		x.lastWasCtrl[field] = false
		return true
	}
	x.lastCtrl[field] = cp
	x.lastWasCtrl[field] = true
	x.lastCtrlUnit[field] = x.units
	return false
}

func (x *CaptionExtractor) drainDTVCC(pts int64, out []Caption) []Caption {
	if len(x.dtvcc) == 0 {
		return out
	}
	size := ccx.DTVCCPacketSize(x.dtvcc[0])
	if len(x.dtvcc) < size {
		return out
	}
	for _, block := range ccx.ParseDTVCCPacket(x.dtvcc[:size]) {
		svc := x.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			out = append(out, Caption{PTS: pts, Text: text, Channel: block.ServiceNum + 6})
		}
	}
	return out
}
