// Package config loads reel's settings. Defaults are layered under a config
// file, REEL_ environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kr/pretty"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zsiec/reel/internal/container"
	"github.com/zsiec/reel/internal/media"
	"github.com/zsiec/reel/internal/player"
	"github.com/zsiec/reel/internal/subtitle"
)

// Audio sink backends.
const (
	SinkClock = "clock"
	SinkOto   = "oto"
)

type Subtitles struct {
	// Strictness is lenient, truncate or strict.
	Strictness     string        `mapstructure:"strictness" json:"strictness"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	CaptionChannel int           `mapstructure:"caption_channel" json:"caption_channel"`
}

type Config struct {
	Level      string `mapstructure:"level" json:"level"`
	ConfigFile string `mapstructure:"config_file" json:"config_file"`

	StartPaused   bool          `mapstructure:"start_paused" json:"start_paused"`
	Volume        float64       `mapstructure:"volume" json:"volume"`
	FrameFormat   string        `mapstructure:"frame_format" json:"frame_format"`
	AudioSink     string        `mapstructure:"audio_sink" json:"audio_sink"`
	SampleRate    int           `mapstructure:"sample_rate" json:"sample_rate"`
	Channels      int           `mapstructure:"channels" json:"channels"`
	LateThreshold time.Duration `mapstructure:"late_threshold" json:"late_threshold"`

	DiscoveryBytes int64         `mapstructure:"discovery_bytes" json:"discovery_bytes"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	InsecureTLS    bool          `mapstructure:"insecure_tls" json:"insecure_tls"`

	StatsInterval time.Duration `mapstructure:"stats_interval" json:"stats_interval"`

	Subtitles Subtitles `mapstructure:"subtitles" json:"subtitles"`
}

// Default is the configuration used when nothing overrides it.
var Default = Config{
	Level:          "info",
	ConfigFile:     "reel.yaml",
	Volume:         1,
	FrameFormat:    "yuv420p",
	AudioSink:      SinkClock,
	SampleRate:     48000,
	Channels:       2,
	LateThreshold:  player.DefaultLateThreshold,
	DiscoveryBytes: 4 << 20,
	DialTimeout:    10 * time.Second,
	StatsInterval:  0,
	Subtitles: Subtitles{
		Strictness:     "truncate",
		CacheTTL:       10 * time.Minute,
		CaptionChannel: 1,
	},
}

// Load builds the configuration from args (without the program name) and
// the environment. It returns the remaining positional arguments.
func Load(args []string, log *slog.Logger) (*Config, []string, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "config")
	v := viper.New()

	// Defaults
	b, err := json.Marshal(Default)
	if err != nil {
		return nil, nil, fmt.Errorf("config: encode defaults: %w", err)
	}
	defaults := viper.New()
	defaults.SetConfigType("json")
	if err := defaults.ReadConfig(bytes.NewReader(b)); err != nil {
		return nil, nil, fmt.Errorf("config: load defaults: %w", err)
	}
	setDefaults(v, "", defaults.AllSettings())

	// Flags
	fs := pflag.NewFlagSet("reel", pflag.ContinueOnError)
	fs.String("config_file", Default.ConfigFile, "configuration file")
	fs.String("level", Default.Level, "log level (debug, info, warn, error)")
	fs.Bool("start_paused", false, "show the first frame and wait")
	fs.Float64("volume", Default.Volume, "output volume in [0, 1]")
	fs.String("frame_format", Default.FrameFormat, "picture format (yuv420p, yuyv422, rgb24)")
	fs.String("audio_sink", Default.AudioSink, "audio output (clock, oto)")
	fs.Int("sample_rate", Default.SampleRate, "output sample rate")
	fs.Int("channels", Default.Channels, "output channels")
	fs.Duration("late_threshold", Default.LateThreshold, "drop pictures later than this (negative never drops)")
	fs.Int64("discovery_bytes", Default.DiscoveryBytes, "bytes read to discover streams")
	fs.Duration("dial_timeout", Default.DialTimeout, "network connection timeout")
	fs.Bool("insecure_tls", false, "skip TLS certificate verification")
	fs.Duration("stats_interval", Default.StatsInterval, "log playback statistics at this interval (0 disables)")
	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, nil, fmt.Errorf("config: bind flags: %w", err)
	}

	// File
	v.SetConfigFile(v.GetString("config_file"))
	if err := v.MergeInConfig(); err != nil {
		if fs.Changed("config_file") {
			return nil, nil, fmt.Errorf("config: read %s: %w", v.GetString("config_file"), err)
		}
		log.Debug("using default config", "reason", err)
	}

	// Environment
	v.SetEnvPrefix("reel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	return c, fs.Args(), nil
}

// setDefaults registers every leaf of m as a default of v. Defaults live in
// their own layer, so file values of another type still override them.
func setDefaults(v *viper.Viper, prefix string, m map[string]interface{}) {
	for k, val := range m {
		if sub, ok := val.(map[string]interface{}); ok {
			setDefaults(v, prefix+k+".", sub)
			continue
		}
		v.SetDefault(prefix+k, val)
	}
}

// Pretty renders the configuration for debug logs.
func (c *Config) Pretty() string {
	return fmt.Sprintf("%# v", pretty.Formatter(c))
}

// Validate checks values that cannot be represented by their type alone.
func (c *Config) Validate() error {
	if _, err := media.ParsePixelFormat(c.FrameFormat); err != nil {
		return fmt.Errorf("config: frame_format: %w", err)
	}
	if _, err := subtitle.ParseStrictness(c.Subtitles.Strictness); err != nil {
		return fmt.Errorf("config: subtitles.strictness: %w", err)
	}
	switch c.AudioSink {
	case SinkClock, SinkOto:
	default:
		return fmt.Errorf("config: audio_sink: unknown sink %q", c.AudioSink)
	}
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return fmt.Errorf("config: invalid output format %dHz/%dch", c.SampleRate, c.Channels)
	}
	return nil
}

// SlogLevel maps Level to a slog level. Unknown names mean info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// PlayerOptions converts the configuration to player options. The caller
// supplies the logger, listeners and audio sink factory.
func (c *Config) PlayerOptions(log *slog.Logger) player.Options {
	format, _ := media.ParsePixelFormat(c.FrameFormat)
	mode, _ := subtitle.ParseStrictness(c.Subtitles.Strictness)
	return player.Options{
		Logger:      log,
		FrameFormat: format,
		AudioFormat: media.AudioFormat{SampleRate: c.SampleRate, Channels: c.Channels, Sample: media.SampleS16},
		Container: container.Options{
			DiscoveryBytes: c.DiscoveryBytes,
			DialTimeout:    c.DialTimeout,
			InsecureTLS:    c.InsecureTLS,
		},
		Subtitles:      subtitle.NewCache(c.Subtitles.CacheTTL, mode, log),
		CaptionChannel: c.Subtitles.CaptionChannel,
		LateThreshold:  c.LateThreshold,
	}
}
