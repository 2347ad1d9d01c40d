package demux

import "testing"

func TestCaptionExtractorIgnoresOtherSEI(t *testing.T) {
	t.Parallel()

	// SEI with a single recovery point message (payload type 6).
	au := []byte{
		0x00, 0x00, 0x00, 0x01, 0x09, 0xF0,
		0x00, 0x00, 0x00, 0x01, 0x06, 0x06, 0x01, 0xC4, 0x80,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	}
	x := NewCaptionExtractor()
	if got := x.AccessUnit(au, 9000); len(got) != 0 {
		t.Errorf("got %d captions from an access unit without caption data", len(got))
	}
}

func TestRepeatedControlCodeDropped(t *testing.T) {
	t.Parallel()

	x := NewCaptionExtractor()
	x.units = 1
	if x.repeatedControl(0, 0x14, 0x2C) {
		t.Fatal("first control code reported as repeat")
	}
	x.units = 2
	if !x.repeatedControl(0, 0x14, 0x2C) {
		t.Fatal("redundant copy not detected")
	}
	x.units = 3
	if x.repeatedControl(0, 0x14, 0x2C) {
		t.Error("third copy is a new command, not a repeat")
	}

	// A copy on the other field is independent.
	if x.repeatedControl(1, 0x14, 0x2C) {
		t.Error("field 1 control treated as repeat of field 0")
	}

	// A repeat arriving too late is a fresh command.
	x.units = 10
	if x.repeatedControl(1, 0x14, 0x2C) {
		t.Error("late copy treated as repeat")
	}

	// Printable characters reset the pairing.
	x.units = 11
	x.repeatedControl(0, 0x14, 0x20)
	x.repeatedControl(0, 0x41, 0x42)
	if x.repeatedControl(0, 0x14, 0x20) {
		t.Error("control after text treated as repeat")
	}
}
