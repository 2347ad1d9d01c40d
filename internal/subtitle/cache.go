package subtitle

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// CompanionPath returns the subtitle file that accompanies a video: the
// video path with its extension replaced by ".srt".
func CompanionPath(videoPath string) string {
	return strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + ".srt"
}

// Cache keeps parsed SubRip files so reopening a video does not reparse its
// subtitles. Entries are keyed by path, size and modification time, so an
// edited file is parsed again.
type Cache struct {
	log   *slog.Logger
	mode  Strictness
	items *cache.Cache
}

// NewCache returns a cache whose entries expire ttl after they are stored.
// A zero ttl keeps entries until the process exits.
func NewCache(ttl time.Duration, mode Strictness, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	exp, cleanup := ttl, ttl
	if ttl <= 0 {
		exp, cleanup = cache.NoExpiration, 0
	}
	return &Cache{
		log:   log.With("component", "subtitle-cache"),
		mode:  mode,
		items: cache.New(exp, cleanup),
	}
}

// Load returns the parsed track at path. A missing file yields (nil, nil).
func (c *Cache) Load(path string) (*Track, error) {
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subtitle: stat %s: %w", path, err)
	}
	key := fmt.Sprintf("%s|%d|%d|%d", path, st.Size(), st.ModTime().UnixNano(), c.mode)
	if v, found := c.items.Get(key); found {
		return v.(*Track), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("subtitle: open %s: %w", path, err)
	}
	defer f.Close()
	tr, err := ParseSubRip(f, c.mode)
	if err != nil {
		return nil, fmt.Errorf("subtitle: %s: %w", path, err)
	}
	c.items.SetDefault(key, tr)
	c.log.Debug("subtitles parsed", "path", path, "cues", tr.Len(), "mode", c.mode.String())
	return tr, nil
}

// Len returns the number of cached tracks, expired ones included until the
// next cleanup.
func (c *Cache) Len() int { return c.items.ItemCount() }
