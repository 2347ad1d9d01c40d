package subtitle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrMalformed is returned in Strict mode for an entry whose timing line
// cannot be parsed.
var ErrMalformed = errors.New("subtitle: malformed SubRip entry")

// Strictness selects how ParseSubRip treats a malformed timing line.
type Strictness int

const (
	// Lenient skips the malformed entry and continues with the next one.
	Lenient Strictness = iota
	// Truncate stops at the malformed entry and keeps the cues before it.
	Truncate
	// Strict fails the whole parse.
	Strict
)

func (s Strictness) String() string {
	switch s {
	case Lenient:
		return "lenient"
	case Truncate:
		return "truncate"
	case Strict:
		return "strict"
	}
	return fmt.Sprintf("strictness(%d)", int(s))
}

// ParseStrictness maps a name to a Strictness.
func ParseStrictness(s string) (Strictness, error) {
	switch strings.ToLower(s) {
	case "lenient", "":
		return Lenient, nil
	case "truncate":
		return Truncate, nil
	case "strict":
		return Strict, nil
	}
	return 0, fmt.Errorf("subtitle: unknown strictness %q", s)
}

// ParseSubRip reads a SubRip (.srt) document. Each entry is an index line,
// a timing line "HH:MM:SS,mmm --> HH:MM:SS,mmm", and text lines up to a
// blank line. Entries with no text are dropped.
func ParseSubRip(r io.Reader, mode Strictness) (*Track, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if lineNo == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		return line, true
	}
	skipEntry := func() {
		for {
			if line, ok := next(); !ok || strings.TrimSpace(line) == "" {
				return
			}
		}
	}

	var cues []Cue
parse:
	for {
		index, ok := next()
		for ok && strings.TrimSpace(index) == "" {
			index, ok = next()
		}
		if !ok {
			break
		}
		timing, ok := next()
		if !ok {
			break
		}
		start, end, err := parseTiming(timing)
		if err != nil {
			switch mode {
			case Strict:
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, lineNo, err)
			case Truncate:
				break parse
			default:
				skipEntry()
				continue
			}
		}

		var text []string
		for {
			line, ok := next()
			if !ok || line == "" {
				break
			}
			text = append(text, line)
		}
		if len(text) > 0 {
			cues = append(cues, Cue{Start: start, End: end, Text: strings.Join(text, "\n")})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("subtitle: read: %w", err)
	}
	return NewTrack(cues), nil
}

func parseTiming(line string) (start, end time.Duration, err error) {
	var h1, m1, s1, ms1, h2, m2, s2, ms2 int
	n, err := fmt.Sscanf(line, "%d:%d:%d,%d --> %d:%d:%d,%d", &h1, &m1, &s1, &ms1, &h2, &m2, &s2, &ms2)
	if n != 8 {
		if err == nil {
			err = errors.New("incomplete timing")
		}
		return 0, 0, fmt.Errorf("timing %q: %w", line, err)
	}
	start = hms(h1, m1, s1, ms1)
	end = hms(h2, m2, s2, ms2)
	if end < start {
		return 0, 0, fmt.Errorf("timing %q: end before start", line)
	}
	return start, end, nil
}

func hms(h, m, s, ms int) time.Duration {
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(ms)*time.Millisecond
}
