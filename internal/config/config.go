// Package config loads recorder settings from an optional YAML file and the
// SCREENREC_* environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"go2tv.app/screenrec/sink"
)

const (
	minFrameRate        = 1
	maxFrameRate        = 60
	minBitrateKbps      = 500
	maxBitrateKbps      = 50000
	minKeyframeInterval = 1
	maxKeyframeInterval = 600
	minQueueSize        = 1
	maxQueueSize        = 64
)

// DefaultExclusions are the messaging apps hidden from every recording.
var DefaultExclusions = []string{"com.apple.MobileSMS", "com.apple.iChat"}

type Config struct {
	OutputDir        string   `yaml:"output_dir"`
	Container        string   `yaml:"container"`
	FrameRate        int      `yaml:"frame_rate"`
	BitrateKbps      int      `yaml:"bitrate_kbps"`
	KeyframeInterval int      `yaml:"keyframe_interval"`
	Encoder          string   `yaml:"encoder"`
	MaxWidth         int      `yaml:"max_width"`
	FFmpegPath       string   `yaml:"ffmpeg_path"`
	Backend          string   `yaml:"backend"`
	Exclude          []string `yaml:"exclude"`
	QueueSize        int      `yaml:"queue_size"`
	Listen           string   `yaml:"listen"`

	// StopTimeout bounds capture stop plus finalize.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// DBPath is the recording catalog; "off" disables it.
	DBPath string `yaml:"db_path"`
}

func Default() *Config {
	dir := "Movies"
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, "Movies")
	}
	dbPath := ""
	if cfgDir, err := os.UserConfigDir(); err == nil {
		dbPath = filepath.Join(cfgDir, "screenrec", "recordings.db")
	}
	return &Config{
		DBPath:           dbPath,
		OutputDir:        dir,
		Container:        string(sink.ContainerMOV),
		FrameRate:        30,
		BitrateKbps:      5000,
		KeyframeInterval: 30,
		Encoder:          "auto",
		FFmpegPath:       "ffmpeg",
		Backend:          "auto",
		Exclude:          append([]string(nil), DefaultExclusions...),
		QueueSize:        8,
		StopTimeout:      30 * time.Second,
	}
}

// Load reads path (when non-empty and present), applies environment
// overrides and normalizes the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.OutputDir = StringEnv("SCREENREC_OUTPUT_DIR", c.OutputDir)
	c.FrameRate = IntEnvClamped("SCREENREC_FPS", c.FrameRate, minFrameRate, maxFrameRate)
	c.BitrateKbps = IntEnvClamped("SCREENREC_BITRATE_KBPS", c.BitrateKbps, minBitrateKbps, maxBitrateKbps)
	c.FFmpegPath = StringEnv("SCREENREC_FFMPEG", c.FFmpegPath)
	c.Container = StringEnv("SCREENREC_CONTAINER", c.Container)
	c.Backend = StringEnv("SCREENREC_BACKEND", c.Backend)
	c.Exclude = ListEnv("SCREENREC_EXCLUDE", c.Exclude)
	c.QueueSize = IntEnvClamped("SCREENREC_QUEUE", c.QueueSize, minQueueSize, maxQueueSize)
	c.DBPath = StringEnv("SCREENREC_DB", c.DBPath)
	c.Listen = StringEnv("SCREENREC_LISTEN", c.Listen)
}

// Normalize clamps numeric fields, fills empty ones with defaults and
// rejects an unknown container.
func (c *Config) Normalize() error {
	d := Default()
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = d.OutputDir
	}
	if strings.HasPrefix(c.OutputDir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			c.OutputDir = filepath.Join(home, c.OutputDir[2:])
		}
	}
	if strings.TrimSpace(c.Container) == "" {
		c.Container = d.Container
	}
	container, err := sink.ParseContainer(c.Container)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Container = string(container)

	if c.FrameRate == 0 {
		c.FrameRate = d.FrameRate
	}
	c.FrameRate = clamp(c.FrameRate, minFrameRate, maxFrameRate)
	if c.BitrateKbps == 0 {
		c.BitrateKbps = d.BitrateKbps
	}
	c.BitrateKbps = clamp(c.BitrateKbps, minBitrateKbps, maxBitrateKbps)
	if c.KeyframeInterval == 0 {
		c.KeyframeInterval = d.KeyframeInterval
	}
	c.KeyframeInterval = clamp(c.KeyframeInterval, minKeyframeInterval, maxKeyframeInterval)
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	c.QueueSize = clamp(c.QueueSize, minQueueSize, maxQueueSize)
	if c.MaxWidth < 0 {
		c.MaxWidth = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}

	if strings.TrimSpace(c.Encoder) == "" {
		c.Encoder = d.Encoder
	}
	if strings.TrimSpace(c.FFmpegPath) == "" {
		c.FFmpegPath = d.FFmpegPath
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = d.Backend
	}
	c.Exclude = dedupe(c.Exclude)
	return nil
}

// AddExclusions appends ids not already excluded.
func (c *Config) AddExclusions(ids ...string) {
	c.Exclude = dedupe(append(c.Exclude, ids...))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// VideoSettings maps the encoder fields onto sink settings for a frame size.
func (c *Config) VideoSettings(width, height int) sink.VideoSettings {
	return sink.VideoSettings{
		Width:            width,
		Height:           height,
		FrameRate:        c.FrameRate,
		BitrateKbps:      c.BitrateKbps,
		KeyframeInterval: c.KeyframeInterval,
		Encoder:          c.Encoder,
	}
}
