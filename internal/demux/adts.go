package demux

import (
	"errors"
	"time"
)

// ErrInvalidADTS is returned when an ADTS header is malformed.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// SamplesPerAACFrame is the number of PCM samples one AAC-LC frame decodes to.
const SamplesPerAACFrame = 1024

// ISO 14496-3 sampling frequency index table.
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSFrame is one AAC frame of an ADTS stream.
type ADTSFrame struct {
	Data       []byte // header and payload
	SampleRate int
	Channels   int
}

// Duration is the playback time of the frame.
func (f ADTSFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(SamplesPerAACFrame) * time.Second / time.Duration(f.SampleRate)
}

// ParseADTS splits an ADTS byte stream into frames. Bytes before a sync word
// are skipped; a truncated final frame is dropped.
func ParseADTS(data []byte) ([]ADTSFrame, error) {
	var frames []ADTSFrame
	for off := 0; len(data)-off >= 7; {
		h := data[off:]
		if h[0] != 0xFF || h[1]&0xF0 != 0xF0 {
			off++
			continue
		}

		headerSize := 7
		if h[1]&0x01 == 0 {
			headerSize = 9 // CRC present
		}
		rateIdx := int(h[2]>>2) & 0x0F
		if rateIdx >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		channels := int(h[2]&0x01)<<2 | int(h[3]>>6)
		frameLen := int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5)
		if frameLen < headerSize || frameLen > len(h) {
			break
		}

		frames = append(frames, ADTSFrame{
			Data:       h[:frameLen],
			SampleRate: aacSampleRates[rateIdx],
			Channels:   channels,
		})
		off += frameLen
	}
	return frames, nil
}
