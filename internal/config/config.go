// Package config loads bridge settings from a YAML file and the
// environment. Precedence, lowest first: defaults, file, environment, flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

const (
	Filename = "config.yaml"

	EnvConfig     = "DLBRIDGE_CONFIG"
	EnvSocket     = "DLBRIDGE_SOCKET"
	EnvLogLevel   = "DLBRIDGE_LOG_LEVEL"
	EnvLogFormat  = "DLBRIDGE_LOG_FORMAT"
	EnvTrace      = "DLBRIDGE_TRACE"
	EnvSearchPath = "DLBRIDGE_SEARCH_PATH"
	EnvHelperPath = "DLBRIDGE_HELPER_PATH"

	maxConfigSize = 1 << 20
)

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full set of bridge settings.
type Config struct {
	// Socket is the Unix socket the helper listens on. Empty picks a fresh
	// path per process.
	Socket string `yaml:"socket,omitempty"`
	Log    Log    `yaml:"log"`
	// Trace is a file receiving the binary call trace. Empty disables it.
	Trace string `yaml:"trace,omitempty"`
	// SearchPaths are tried in order for bare library names.
	SearchPaths []string `yaml:"search_paths,omitempty"`
	// Preload lists libraries opened when the helper starts.
	Preload []string `yaml:"preload,omitempty"`
	// HelperPath overrides where the helper binary is looked up.
	HelperPath string `yaml:"helper_path,omitempty"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{Log: Log{Level: "info", Format: "text"}}
}

// DefaultPath returns the per-user config file location, or "" if the
// user config directory is unknown.
func DefaultPath() string {
	env.Load()
	if p := env.Str(EnvConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dlbridge", Filename)
}

// Load returns defaults overlaid with the file at path and then the
// environment. A missing file is only an error when path was given
// explicitly; pass "" to use DefaultPath.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxConfigSize {
		return fmt.Errorf("config %s: file too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := c.Parse(data); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	slog.Debug("loaded config", "path", path)
	return nil
}

// Parse overlays YAML data onto c. Unknown keys are rejected.
func (c *Config) Parse(data []byte) error {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays the DLBRIDGE_* environment variables onto c. The
// environment is re-read on every call.
func (c *Config) ApplyEnv() {
	env.Load()
	c.Socket = env.Str(EnvSocket, c.Socket)
	c.Log.Level = env.Str(EnvLogLevel, c.Log.Level)
	c.Log.Format = env.Str(EnvLogFormat, c.Log.Format)
	c.Trace = env.Str(EnvTrace, c.Trace)
	c.HelperPath = env.Str(EnvHelperPath, c.HelperPath)
	if env.Has(EnvSearchPath) {
		var dirs []string
		for _, d := range filepath.SplitList(env.Str(EnvSearchPath)) {
			if d != "" {
				dirs = append(dirs, d)
			}
		}
		// Environment directories are searched first.
		c.SearchPaths = append(dirs, c.SearchPaths...)
	}
}

// Validate checks the log settings.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Level parses Log.Level.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: %w", err)
	}
	return l, nil
}

// NewLogger builds a logger writing to w according to Log.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
