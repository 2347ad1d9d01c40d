// Package subtitle holds timed subtitle text for the player: SubRip files
// parsed into an interval map, and captions decoded from the video stream.
package subtitle

import (
	"cmp"
	"slices"
	"sort"
	"strings"
	"time"
)

// Cue is one subtitle entry. The interval is closed: the text shows at both
// Start and End.
type Cue struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// segment is a half-open interval of constant text.
type segment struct {
	start, end time.Duration
	text       string
}

// Track is an immutable interval map from stream time to subtitle text.
// Where cues overlap, their texts are joined with a newline in file order.
// A nil Track holds nothing.
type Track struct {
	segs []segment
	cues int
}

// NewTrack builds a track from cues in any order. Cues with empty text or
// End before Start are ignored.
func NewTrack(cues []Cue) *Track {
	type span struct {
		start, end time.Duration // half-open
		text       string
		order      int
	}
	spans := make([]span, 0, len(cues))
	bounds := make([]time.Duration, 0, 2*len(cues))
	for i, c := range cues {
		if c.Text == "" || c.End < c.Start {
			continue
		}
		sp := span{start: c.Start, end: c.End + 1, text: c.Text, order: i}
		spans = append(spans, sp)
		bounds = append(bounds, sp.start, sp.end)
	}
	t := &Track{cues: len(spans)}
	if len(spans) == 0 {
		return t
	}
	slices.SortStableFunc(spans, func(a, b span) int { return cmp.Compare(a.start, b.start) })
	slices.Sort(bounds)
	bounds = slices.Compact(bounds)

	var active []span
	next := 0
	for i := 0; i+1 < len(bounds); i++ {
		lo, hi := bounds[i], bounds[i+1]
		for next < len(spans) && spans[next].start <= lo {
			active = append(active, spans[next])
			next++
		}
		active = slices.DeleteFunc(active, func(s span) bool { return s.end <= lo })
		if len(active) == 0 {
			continue
		}
		slices.SortFunc(active, func(a, b span) int { return a.order - b.order })
		texts := make([]string, len(active))
		for k, s := range active {
			texts[k] = s.text
		}
		text := strings.Join(texts, "\n")
		if n := len(t.segs); n > 0 && t.segs[n-1].end == lo && t.segs[n-1].text == text {
			t.segs[n-1].end = hi
			continue
		}
		t.segs = append(t.segs, segment{start: lo, end: hi, text: text})
	}
	return t
}

// Lookup returns the text showing at at.
func (t *Track) Lookup(at time.Duration) (string, bool) {
	if t == nil {
		return "", false
	}
	i := sort.Search(len(t.segs), func(i int) bool { return t.segs[i].end > at })
	if i == len(t.segs) || t.segs[i].start > at {
		return "", false
	}
	return t.segs[i].text, true
}

// Len returns the number of cues the track was built from.
func (t *Track) Len() int {
	if t == nil {
		return 0
	}
	return t.cues
}
