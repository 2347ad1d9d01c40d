package demux

import (
	"testing"
	"time"
)

// adtsFrame builds an AAC-LC ADTS frame without CRC.
func adtsFrame(rateIdx, channels byte, payload []byte) []byte {
	n := 7 + len(payload)
	h := []byte{
		0xFF,
		0xF1,
		1<<6 | rateIdx<<2 | channels>>2,
		channels<<6 | byte(n>>11)&0x03,
		byte(n >> 3),
		byte(n&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(h, payload...)
}

func TestParseADTS(t *testing.T) {
	t.Parallel()

	var stream []byte
	stream = append(stream, 0x00, 0x12) // junk before sync
	stream = append(stream, adtsFrame(3, 2, []byte{0xDE, 0xAD, 0xBE, 0xEF})...)
	stream = append(stream, adtsFrame(3, 2, []byte{0xCA, 0xFE})...)

	frames, err := ParseADTS(stream)
	if err != nil {
		t.Fatalf("ParseADTS: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].SampleRate != 48000 || frames[0].Channels != 2 {
		t.Errorf("frame 0: %d Hz %d ch", frames[0].SampleRate, frames[0].Channels)
	}
	if len(frames[0].Data) != 11 || len(frames[1].Data) != 9 {
		t.Errorf("frame sizes = %d, %d", len(frames[0].Data), len(frames[1].Data))
	}
	if d := frames[0].Duration(); d != 21333333*time.Nanosecond {
		t.Errorf("duration = %v", d)
	}
}

func TestParseADTSTruncated(t *testing.T) {
	t.Parallel()

	full := adtsFrame(4, 1, make([]byte, 20))
	frames, err := ParseADTS(full[:15])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("truncated frame returned %d frames", len(frames))
	}

	frames, _ = ParseADTS(nil)
	if len(frames) != 0 {
		t.Errorf("empty input returned %d frames", len(frames))
	}
}

func TestParseADTSBadRate(t *testing.T) {
	t.Parallel()

	if _, err := ParseADTS(adtsFrame(14, 2, []byte{1})); err != ErrInvalidADTS {
		t.Errorf("err = %v, want ErrInvalidADTS", err)
	}
}
