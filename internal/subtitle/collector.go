package subtitle

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// DefaultCaptionHold is how long a caption stays on screen when no later
// caption replaces it.
const DefaultCaptionHold = 4 * time.Second

type caption struct {
	pts  time.Duration
	text string
}

// Collector accumulates captions decoded from the video stream for one
// channel and answers lookups like a Track. A caption shows from its PTS
// until the next caption on the channel or until hold elapses. It is safe
// for concurrent use.
type Collector struct {
	channel int
	hold    time.Duration

	mu   sync.RWMutex
	caps []caption // sorted by pts, unique pts
}

// NewCollector keeps captions of channel (1-4 for CC1-CC4, 7-12 for
// CEA-708 services). A zero hold means DefaultCaptionHold.
func NewCollector(channel int, hold time.Duration) *Collector {
	if hold <= 0 {
		hold = DefaultCaptionHold
	}
	return &Collector{channel: channel, hold: hold}
}

// Add records a caption. Captions for other channels are ignored; a caption
// at an already known PTS replaces the earlier one, so replaying a section
// after a seek does not duplicate text.
func (c *Collector) Add(pts time.Duration, text string, channel int) {
	if channel != c.channel {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i, found := slices.BinarySearchFunc(c.caps, pts, func(e caption, t time.Duration) int {
		return cmp.Compare(e.pts, t)
	})
	if found {
		c.caps[i].text = text
		return
	}
	c.caps = slices.Insert(c.caps, i, caption{pts: pts, text: text})
}

// Lookup returns the caption showing at t.
func (c *Collector) Lookup(t time.Duration) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, _ := slices.BinarySearchFunc(c.caps, t, func(e caption, t time.Duration) int {
		if e.pts <= t {
			return -1
		}
		return 1
	})
	// i is the first caption after t.
	if i == 0 {
		return "", false
	}
	cur := c.caps[i-1]
	if t-cur.pts > c.hold || cur.text == "" {
		return "", false
	}
	return cur.text, true
}

// Len returns the number of stored captions.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.caps)
}

// Reset drops every caption.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.caps = nil
	c.mu.Unlock()
}
