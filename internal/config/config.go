// Package config holds loader settings read from a TOML file and from the
// environment block of the entry stack.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// LogLevel is one of debug, info, warn or error.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var (
	ErrInvalidLogLevel   = errors.New("invalid log level")
	ErrRelativeSearchDir = errors.New("search path entry must be absolute")
)

// UnmarshalText validates the level while the TOML document is decoded.
func (l *LogLevel) UnmarshalText(text []byte) error {
	s := strings.ToLower(string(text))
	switch LogLevel(s) {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		*l = LogLevel(s)
		return nil
	case "":
		*l = LogLevelInfo
		return nil
	default:
		return fmt.Errorf("%w: %q (must be one of: debug, info, warn, error)", ErrInvalidLogLevel, string(text))
	}
}

func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type Config struct {
	// SearchPaths lists directories searched for DT_NEEDED entries, in order.
	SearchPaths []string `toml:"search_paths"`
	// BindNow resolves every PLT slot at link time.
	BindNow  bool     `toml:"bind_now"`
	LogLevel LogLevel `toml:"log_level"`
	// TraceStartup logs every submitted object and relocation pass of the
	// startup link session at info level.
	TraceStartup bool `toml:"trace_startup"`
	// TraceEntryExit logs each public API call.
	TraceEntryExit bool `toml:"trace_entry_exit"`
	// PLTTrampoline is written to GOT[2] of lazily bound objects.
	PLTTrampoline uint64 `toml:"plt_trampoline"`
}

func Default() Config {
	return Config{
		SearchPaths: []string{"/lib", "/usr/lib", "/lib64", "/usr/lib64"},
		LogLevel:    LogLevelInfo,
	}
}

// Parse decodes a TOML document over the defaults.
func Parse(content []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path; an empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(content)
}

func (c *Config) Validate() error {
	for _, dir := range c.SearchPaths {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("%w: %q", ErrRelativeSearchDir, dir)
		}
	}
	return nil
}

// ApplyEnv applies LD_LIBRARY_PATH and LD_BIND_NOW from an envp block.
// LD_LIBRARY_PATH entries are searched before the configured paths; empty
// and relative entries are skipped.
func (c *Config) ApplyEnv(env []string) {
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "LD_LIBRARY_PATH":
			var dirs []string
			for _, dir := range strings.Split(value, ":") {
				if filepath.IsAbs(dir) {
					dirs = append(dirs, dir)
				}
			}
			c.SearchPaths = append(dirs, c.SearchPaths...)
		case "LD_BIND_NOW":
			if value != "" {
				c.BindNow = true
			}
		}
	}
}
