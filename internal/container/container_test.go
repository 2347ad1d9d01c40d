package container

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/reel/internal/certs"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/mpegts"
	"github.com/zsiec/reel/internal/synth"
)

func synthTS(t *testing.T, cfg synth.Config) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := synth.Write(&buf, cfg); err != nil {
		t.Fatalf("synth.Write: %v", err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// h264TS writes frames fake H.264 access units at 25 fps with an IDR every
// gop frames. The units carry only NAL headers and filler.
func h264TS(t *testing.T, frames, gop int) []byte {
	t.Helper()
	var buf bytes.Buffer
	mux := mpegts.NewMuxer(&buf, mpegts.MuxerStream{PID: 0x100, StreamType: mpegts.StreamTypeH264, StreamID: mpegts.StreamIDVideo})
	filler := bytes.Repeat([]byte{0x5A}, 300)
	for i := range frames {
		if i%25 == 0 {
			if err := mux.WriteTables(); err != nil {
				t.Fatal(err)
			}
		}
		au := []byte{0, 0, 0, 1, 0x09, 0xF0}
		key := i%gop == 0
		if key {
			au = append(au, 0, 0, 0, 1, 0x67, 0x42, 0x00, 0x1E, 0xAB)
			au = append(au, 0, 0, 0, 1, 0x65)
		} else {
			au = append(au, 0, 0, 0, 1, 0x41)
		}
		au = append(au, filler...)
		if err := mux.WritePES(0x100, 90000+int64(i)*3600, -1, key, au); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func readAll(t *testing.T, src Source) []*media.Packet {
	t.Helper()
	var out []*media.Packet
	for {
		pkt, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		out = append(out, pkt)
	}
}

func firstVideo(t *testing.T, src Source) *media.Packet {
	t.Helper()
	for {
		pkt, err := src.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		if pkt.Kind == media.KindVideo {
			return pkt
		}
	}
}

func TestOpenFileDiscoversStreams(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "a.ts", synthTS(t, synth.Config{Duration: 4 * time.Second}))
	src, err := OpenFile(path, Options{})
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer src.Close()

	if !src.Seekable() {
		t.Error("file source should be seekable")
	}
	if got := src.Duration(); got != 4*time.Second {
		t.Errorf("Duration = %v, want 4s", got)
	}
	streams := src.Streams()
	if len(streams) != 2 {
		t.Fatalf("streams = %d, want 2", len(streams))
	}
	v, a := streams[0], streams[1]
	if v.Kind != media.KindVideo || v.Codec != media.CodecRawVideo || v.Width != 64 || v.Height != 36 {
		t.Errorf("video stream = %+v", v)
	}
	if a.Kind != media.KindAudio || a.Codec != media.CodecPCM || a.SampleRate != 48000 || a.Channels != 2 {
		t.Errorf("audio stream = %+v", a)
	}
	if v.Index != 0 || a.Index != 1 || v.TimeBase != media.TimeBase90k {
		t.Errorf("index/time base: %+v %+v", v, a)
	}
}

func TestReadPacketsNormalized(t *testing.T) {
	t.Parallel()

	src, err := NewTSSource(bytes.NewReader(synthTS(t, synth.Config{Duration: 2 * time.Second})), Options{})
	if err != nil {
		t.Fatal(err)
	}
	var video, audio int
	last := int64(-1)
	for _, pkt := range readAll(t, src) {
		switch pkt.Kind {
		case media.KindVideo:
			if want := int64(video) * 3600; pkt.PTS != want {
				t.Fatalf("video %d PTS = %d, want %d", video, pkt.PTS, want)
			}
			if !pkt.Keyframe {
				t.Errorf("raw frame %d not a keyframe", video)
			}
			video++
		case media.KindAudio:
			if pkt.PTS <= last {
				t.Fatalf("audio PTS %d after %d", pkt.PTS, last)
			}
			last = pkt.PTS
			audio++
		}
	}
	if video != 50 || audio != 100 {
		t.Errorf("read %d video and %d audio packets, want 50 and 100", video, audio)
	}
}

func TestSeekRawVideo(t *testing.T) {
	t.Parallel()

	src, err := NewTSSource(bytes.NewReader(synthTS(t, synth.Config{Duration: 4 * time.Second})), Options{})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		target time.Duration
		want   int64
	}{
		{2 * time.Second, 180000},
		{2*time.Second + 20*time.Millisecond, 180000},
		{0, 0},
		{-time.Second, 0},
		{time.Hour, 99 * 3600},
		{time.Second, 90000},
	}
	for _, tt := range tests {
		if err := src.Seek(tt.target); err != nil {
			t.Fatalf("Seek(%v): %v", tt.target, err)
		}
		if got := firstVideo(t, src).PTS; got != tt.want {
			t.Errorf("Seek(%v): first video PTS = %d, want %d", tt.target, got, tt.want)
		}
	}
}

func TestSeekBacksOffToKeyframe(t *testing.T) {
	t.Parallel()

	src, err := NewTSSource(bytes.NewReader(h264TS(t, 125, 25)), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := src.Duration(); got != 5*time.Second {
		t.Errorf("Duration = %v, want 5s", got)
	}

	for _, tt := range []struct {
		target time.Duration
		want   int64
	}{
		{2500 * time.Millisecond, 180000},
		{3 * time.Second, 270000},
		{999 * time.Millisecond, 0},
		{10 * time.Second, 360000},
	} {
		if err := src.Seek(tt.target); err != nil {
			t.Fatal(err)
		}
		pkt := firstVideo(t, src)
		if pkt.PTS != tt.want || !pkt.Keyframe {
			t.Errorf("Seek(%v): PTS %d keyframe %v, want %d keyframe", tt.target, pkt.PTS, pkt.Keyframe, tt.want)
		}
	}

	if err := src.Seek(0); err != nil {
		t.Fatal(err)
	}
	var keys int
	for _, pkt := range readAll(t, src) {
		if pkt.Keyframe {
			keys++
		}
	}
	if keys != 5 {
		t.Errorf("keyframes = %d, want 5", keys)
	}
}

func TestTimestampWrap(t *testing.T) {
	t.Parallel()

	cfg := synth.Config{Duration: 3 * time.Second, StartPTS: 1<<33 - 90000}
	src, err := NewTSSource(bytes.NewReader(synthTS(t, cfg)), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := src.Duration(); got != 3*time.Second {
		t.Errorf("Duration across wrap = %v, want 3s", got)
	}
	prev := int64(-3600)
	for _, pkt := range readAll(t, src) {
		if pkt.Kind != media.KindVideo {
			continue
		}
		if pkt.PTS != prev+3600 {
			t.Fatalf("video PTS %d after %d", pkt.PTS, prev)
		}
		prev = pkt.PTS
	}
	if prev != 74*3600 {
		t.Errorf("last PTS = %d", prev)
	}
}

// streamOnly hides every method but Read.
type streamOnly struct{ r io.Reader }

func (s streamOnly) Read(p []byte) (int, error) { return s.r.Read(p) }

func TestNonSeekableReplaysDiscoveryUnits(t *testing.T) {
	t.Parallel()

	data := synthTS(t, synth.Config{Duration: 2 * time.Second})
	src, err := NewTSSource(streamOnly{bytes.NewReader(data)}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if src.Seekable() || src.Duration() != 0 {
		t.Errorf("seekable %v duration %v", src.Seekable(), src.Duration())
	}
	if err := src.Seek(time.Second); !errors.Is(err, ErrNotSeekable) {
		t.Errorf("Seek err = %v, want ErrNotSeekable", err)
	}
	var video int
	for _, pkt := range readAll(t, src) {
		if pkt.Kind == media.KindVideo {
			video++
		}
	}
	if video != 50 {
		t.Errorf("video packets = %d, want 50", video)
	}
}

func TestAudioOnly(t *testing.T) {
	t.Parallel()

	src, err := NewTSSource(bytes.NewReader(synthTS(t, synth.Config{Duration: 2 * time.Second, NoVideo: true})), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(src.Streams()); n != 1 || src.Streams()[0].Kind != media.KindAudio {
		t.Fatalf("streams = %+v", src.Streams())
	}
	if got := src.Duration(); got != 2*time.Second {
		t.Errorf("Duration = %v", got)
	}
	if err := src.Seek(time.Second); err != nil {
		t.Fatal(err)
	}
	pkt, err := src.ReadPacket()
	if err != nil || pkt.PTS != 90000 {
		t.Errorf("after seek: %+v, %v", pkt, err)
	}
}

func TestNoStreams(t *testing.T) {
	t.Parallel()

	for name, data := range map[string][]byte{
		"empty":   nil,
		"garbage": bytes.Repeat([]byte{0x47, 1, 2, 3}, 1000),
	} {
		if _, err := NewTSSource(bytes.NewReader(data), Options{}); !errors.Is(err, ErrNoStreams) {
			t.Errorf("%s: err = %v, want ErrNoStreams", name, err)
		}
	}
	if _, err := Open(context.Background(), "gopher://x", Options{}); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("gopher: err = %v", err)
	}
	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.ts"), Options{}); err == nil {
		t.Error("missing file opened")
	}
}

func TestOpenHTTPRanges(t *testing.T) {
	t.Parallel()

	data := synthTS(t, synth.Config{Duration: 4 * time.Second})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.ts", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	src, err := Open(context.Background(), srv.URL+"/a.ts", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if !src.Seekable() || src.Duration() != 4*time.Second {
		t.Fatalf("seekable %v duration %v", src.Seekable(), src.Duration())
	}
	if err := src.Seek(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	if got := firstVideo(t, src).PTS; got != 270000 {
		t.Errorf("PTS after seek = %d", got)
	}
}

func TestInterruptUnblocksRead(t *testing.T) {
	t.Parallel()

	data := synthTS(t, synth.Config{Duration: 2 * time.Second})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data[:len(data)/2])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	src, err := Open(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if src.Seekable() {
		t.Error("unranged stream reported seekable")
	}

	done := make(chan error, 1)
	go func() {
		for {
			if _, err := src.ReadPacket(); err != nil {
				done <- err
				return
			}
		}
	}()
	time.Sleep(50 * time.Millisecond)
	src.Interrupt()
	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Errorf("err = %v, want ErrInterrupted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Interrupt did not unblock the read")
	}
}

func TestOpenQUIC(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.ts"), synthTS(t, synth.Config{Duration: 2 * time.Second}), 0o644); err != nil {
		t.Fatal(err)
	}
	cert, err := certs.Generate()
	if err != nil {
		t.Fatal(err)
	}
	ln, err := quic.ListenAddr("127.0.0.1:0", TLSConfig(cert.TLS), quicConfig())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := &QUICServer{Root: os.DirFS(dir)}
	go srv.Serve(ctx, ln)

	opts := Options{InsecureTLS: true, DialTimeout: 5 * time.Second}
	src, err := Open(ctx, "quic://"+ln.Addr().String()+"/a.ts", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if !src.Seekable() || src.Duration() != 2*time.Second {
		t.Fatalf("seekable %v duration %v", src.Seekable(), src.Duration())
	}
	if err := src.Seek(time.Second); err != nil {
		t.Fatal(err)
	}
	if got := firstVideo(t, src).PTS; got != 90000 {
		t.Errorf("PTS after seek = %d", got)
	}

	if _, err := Open(ctx, "quic://"+ln.Addr().String()+"/missing.ts", opts); err == nil {
		t.Error("missing resource opened")
	}
}

func TestContentRangeSize(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]int64{
		"bytes 100-199/1000": 1000,
		"bytes 0-0/*":        -1,
		"":                   -1,
	} {
		if got := contentRangeSize(in); got != want {
			t.Errorf("contentRangeSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestSRTStreamID(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"srt://host:9000/live/cam1":             "live/cam1",
		"srt://host:9000?streamid=publish/abc":  "publish/abc",
		"srt://host:9000/x?streamid=override/y": "override/y",
	} {
		u, err := url.Parse(in)
		if err != nil {
			t.Fatal(err)
		}
		if got := srtStreamID(u); got != want {
			t.Errorf("srtStreamID(%q) = %q, want %q", in, got, want)
		}
	}
}
