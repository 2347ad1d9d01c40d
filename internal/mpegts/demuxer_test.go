package mpegts

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

var testStreams = []MuxerStream{
	{PID: 0x100, StreamType: StreamTypeH264, StreamID: StreamIDVideo},
	{PID: 0x101, StreamType: StreamTypeAAC, StreamID: StreamIDAudio},
}

func readAll(t *testing.T, d *Demuxer) []*DemuxerData {
	t.Helper()
	var out []*DemuxerData
	for {
		data, err := d.NextData()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, data)
	}
}

func TestDemuxerRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mux := NewMuxer(&buf, testStreams...)
	if err := mux.WriteTables(); err != nil {
		t.Fatal(err)
	}
	big := bytes.Repeat([]byte{0xAB}, 1000) // spans several packets
	if err := mux.WritePES(0x100, 93003, 90000, true, big); err != nil {
		t.Fatal(err)
	}
	if err := mux.WritePES(0x101, 90000, -1, false, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := mux.WritePES(0x100, 96006, 93003, false, []byte{4, 5}); err != nil {
		t.Fatal(err)
	}
	if mux.Written() != int64(buf.Len()) || buf.Len()%PacketSize != 0 {
		t.Fatalf("written %d, buffer %d", mux.Written(), buf.Len())
	}

	units := readAll(t, NewDemuxer(&buf))

	var pat, pmt int
	var video, audio []*DemuxerData
	for _, u := range units {
		switch {
		case u.PAT != nil:
			pat++
		case u.PMT != nil:
			pmt++
			if len(u.PMT.ElementaryStreams) != 2 {
				t.Errorf("PMT streams = %d", len(u.PMT.ElementaryStreams))
			}
		case u.PES != nil && u.PID() == 0x100:
			video = append(video, u)
		case u.PES != nil && u.PID() == 0x101:
			audio = append(audio, u)
		}
	}
	if pat != 1 || pmt != 1 {
		t.Fatalf("PAT %d PMT %d, want 1 each", pat, pmt)
	}
	if len(video) != 2 || len(audio) != 1 {
		t.Fatalf("video %d audio %d, want 2 and 1", len(video), len(audio))
	}

	v := video[0]
	if !bytes.Equal(v.PES.Data, big) {
		t.Errorf("video payload corrupted: %d bytes", len(v.PES.Data))
	}
	if pts, _ := v.PES.PTS(); pts != 93003 {
		t.Errorf("video PTS = %d", pts)
	}
	if dts, _ := v.PES.DTS(); dts != 90000 {
		t.Errorf("video DTS = %d", dts)
	}
	if !v.PES.RandomAccess || video[1].PES.RandomAccess {
		t.Error("random access flag not carried")
	}
	if !v.FirstPacket.Header.HasPCR || v.FirstPacket.Header.PCR != 90000 {
		t.Errorf("PCR = %d", v.FirstPacket.Header.PCR)
	}
	if v.Offset != 2*PacketSize {
		t.Errorf("video offset = %d, want %d", v.Offset, 2*PacketSize)
	}
	if !bytes.Equal(audio[0].PES.Data, []byte{1, 2, 3}) {
		t.Errorf("audio payload = %v", audio[0].PES.Data)
	}
}

func TestDemuxerReset(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mux := NewMuxer(&buf, testStreams...)
	mux.WriteTables()
	for i := range 4 {
		mux.WritePES(0x101, int64(i)*1920, -1, false, bytes.Repeat([]byte{byte(i)}, 300))
	}
	raw := buf.Bytes()

	r := bytes.NewReader(raw)
	d := NewDemuxer(r)
	units := readAll(t, d)
	var offsets []int64
	for _, u := range units {
		if u.PES != nil {
			offsets = append(offsets, u.Offset)
		}
	}
	if len(offsets) != 4 {
		t.Fatalf("PES units = %d, want 4", len(offsets))
	}

	// Reposition into the middle of the third PES packet: the partial unit
	// must be skipped and the fourth reported at its original offset.
	mid := offsets[2] + PacketSize
	if _, err := r.Seek(mid, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	d.Reset(mid)
	after := readAll(t, d)
	if len(after) != 1 || after[0].PES == nil {
		t.Fatalf("after reset got %d units", len(after))
	}
	if after[0].Offset != offsets[3] {
		t.Errorf("offset = %d, want %d", after[0].Offset, offsets[3])
	}
	if pts, _ := after[0].PES.PTS(); pts != 3*1920 {
		t.Errorf("PTS = %d, want %d", pts, 3*1920)
	}
}

func TestDemuxerSkipsCorruptPackets(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mux := NewMuxer(&buf, testStreams...)
	mux.WriteTables()
	buf.Write(make([]byte, PacketSize)) // no sync byte
	mux.WriteTables()

	pats := 0
	for _, u := range readAll(t, NewDemuxer(&buf)) {
		if u.PAT != nil {
			pats++
		}
	}
	if pats != 2 {
		t.Errorf("PATs = %d, want 2", pats)
	}
}

func TestDemuxerPacketsParser(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write(makePacket(500, 0, true, []byte{0xFC, 0x30, 0x11}))
	buf.Write(makePacket(500, 1, true, []byte{0xFC, 0x30, 0x11}))

	calls := 0
	parser := func(ps []*Packet) ([]*DemuxerData, bool, error) {
		if ps[0].Header.PID == 500 {
			calls++
			return nil, true, nil
		}
		return nil, false, nil
	}
	readAll(t, NewDemuxer(&buf, WithPacketsParser(parser)))
	if calls != 2 {
		t.Errorf("parser calls = %d, want 2", calls)
	}
}

func TestDemuxerEmptyInput(t *testing.T) {
	t.Parallel()

	d := NewDemuxer(bytes.NewReader(nil), WithStartOffset(1000))
	if _, err := d.NextData(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
	if d.Offset() != 1000 {
		t.Errorf("offset = %d, want 1000", d.Offset())
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("link down") }

func TestDemuxerPropagatesReadErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewDemuxer(failingReader{}).NextData(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want read error", err)
	}
}

func TestMuxerRejectsUndeclaredPID(t *testing.T) {
	t.Parallel()

	mux := NewMuxer(io.Discard, testStreams...)
	if err := mux.WritePES(0x300, 0, -1, false, []byte{1}); err == nil {
		t.Error("undeclared PID accepted")
	}
}
