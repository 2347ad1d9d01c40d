package audio

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

var (
	backendMu sync.RWMutex
	backends  = map[string]func(*slog.Logger) Sink{
		"clock": func(log *slog.Logger) Sink { return NewClockSink(log) },
	}
)

// RegisterBackend makes a sink constructor available by name. Device
// backends register themselves when their build tag is set.
func RegisterBackend(name string, newSink func(*slog.Logger) Sink) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backends[name] = newSink
}

// Backends lists the registered sink names.
func Backends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return slices.Sorted(maps.Keys(backends))
}

// Backend returns the constructor registered under name.
func Backend(name string) (func(*slog.Logger) Sink, error) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("audio: sink %q not available (have %v)", name, slices.Sorted(maps.Keys(backends)))
	}
	return f, nil
}
