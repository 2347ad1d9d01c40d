package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/reel/internal/container"
	"github.com/zsiec/reel/internal/subtitle"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantOut string
		wantErr bool
	}{
		{"default file", nil, "clip.ts", false},
		{"named key", []string{"--key", "bars"}, "bars.ts", false},
		{"explicit out", []string{"-o", "x.ts"}, "x.ts", false},
		{"serve without out", []string{"--serve", "--srt", ":6000"}, "", false},
		{"serve without listener", []string{"--serve"}, "", true},
		{"nothing to generate", []string{"--no-video", "--no-audio"}, "", true},
		{"unknown flag", []string{"--bogus"}, "", true},
	}
	for _, tt := range tests {
		o, err := parseFlags(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil && o.out != tt.wantOut {
			t.Errorf("%s: out = %q, want %q", tt.name, o.out, tt.wantOut)
		}
	}
}

func TestWriteSubRip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := writeSubRip(&buf, 3*time.Second); err != nil {
		t.Fatal(err)
	}
	tr, err := subtitle.ParseSubRip(strings.NewReader(buf.String()), subtitle.Strict)
	if err != nil {
		t.Fatalf("generated SubRip does not parse: %v\n%s", err, buf.String())
	}
	for _, tt := range []struct {
		at   time.Duration
		want string
		ok   bool
	}{
		{0, "Second 0", true},
		{2500 * time.Millisecond, "Second 2", true},
		{950 * time.Millisecond, "", false},
	} {
		got, ok := tr.Lookup(tt.at)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Lookup(%v) = %q, %v, want %q, %v", tt.at, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSRTTime(t *testing.T) {
	t.Parallel()

	if got := srtTime(time.Hour + 2*time.Minute + 3*time.Second + 45*time.Millisecond); got != "01:02:03,045" {
		t.Errorf("srtTime = %q", got)
	}
}

func TestRunWritesPlayableFile(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "bars.ts")
	if err := run([]string{"-o", out, "--duration", "2s", "--subtitles"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(strings.TrimSuffix(out, ".ts") + ".srt"); err != nil {
		t.Errorf("companion subtitles: %v", err)
	}

	src, err := container.OpenFile(out, container.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if n := len(src.Streams()); n != 2 {
		t.Errorf("streams = %d, want 2", n)
	}
	if d := src.Duration(); d < 1900*time.Millisecond || d > 2100*time.Millisecond {
		t.Errorf("Duration() = %v, want about 2s", d)
	}
}
