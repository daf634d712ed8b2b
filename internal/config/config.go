// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads mailwatch settings.
//
// Settings come from a YAML file, then MAILWATCH_* environment
// variables, then command-line flags, each layer overriding the one
// before.  Values that fail to parse are logged and replaced by their
// defaults.
package config

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL      = "http://localhost:8000/api"
	DefaultPollInterval = 30 * time.Second
	DefaultRateLimit    = 10
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultLogLevel     = "warn"
)

// Config holds resolved settings.
type Config struct {
	// REST API root, e.g. http://localhost:8000/api.
	BaseURL string

	// Streaming root, e.g. ws://localhost:8000.  Derived from BaseURL
	// by Resolve when empty.
	WSURL string

	DBPath string

	PollInterval time.Duration

	// Requests per second to the REST API; zero or less disables
	// limiting.
	RateLimit float64

	// Timeout for token endpoint calls.
	HTTPTimeout time.Duration

	LogLevel string
	Trace    bool
}

// file mirrors the YAML layout.  Durations are strings so that a bad
// value can fall back to its default instead of failing the load.
type file struct {
	BaseURL      string   `yaml:"base_url"`
	WSURL        string   `yaml:"ws_url"`
	DBPath       string   `yaml:"db_path"`
	PollInterval string   `yaml:"poll_interval"`
	RateLimit    *float64 `yaml:"rate_limit"`
	HTTPTimeout  string   `yaml:"http_timeout"`
	LogLevel     string   `yaml:"log_level"`
	Trace        bool     `yaml:"trace"`
}

// Source describes where to load settings from.
type Source struct {
	// Path of the YAML file.  Empty means no file.
	Path string

	// If set, a missing file is an error; otherwise it is skipped.
	Required bool

	// Getenv looks up environment variables; nil means os.Getenv.
	Getenv func(string) string

	Logger *slog.Logger
}

// Defaults returns the built-in settings.  DBPath is left empty.
func Defaults() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		PollInterval: DefaultPollInterval,
		RateLimit:    DefaultRateLimit,
		HTTPTimeout:  DefaultHTTPTimeout,
		LogLevel:     DefaultLogLevel,
	}
}

// Load reads the file and environment layers on top of Defaults.  The
// caller applies flags and then calls Resolve.
func Load(src Source) (Config, error) {
	getenv := src.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	logger := src.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := Defaults()
	if src.Path != "" {
		data, err := os.ReadFile(src.Path)
		switch {
		case err == nil:
			var f file
			if err := yaml.Unmarshal(data, &f); err != nil {
				return Config{}, errors.Wrapf(err, "parsing %s", src.Path)
			}
			f.apply(&cfg, logger)
			logger.Debug("loaded config", "path", src.Path)
		case os.IsNotExist(err) && !src.Required:
		default:
			return Config{}, errors.Wrap(err, "reading config")
		}
	}

	override(&cfg.BaseURL, getenv("MAILWATCH_BASE_URL"))
	override(&cfg.WSURL, getenv("MAILWATCH_WS_URL"))
	override(&cfg.DBPath, getenv("MAILWATCH_DB"))
	override(&cfg.LogLevel, getenv("MAILWATCH_LOG_LEVEL"))
	if v := getenv("MAILWATCH_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = duration("MAILWATCH_POLL_INTERVAL", v, DefaultPollInterval, logger)
	}
	if v := getenv("MAILWATCH_RATE_LIMIT"); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			logger.Warn("ignoring invalid setting", "name", "MAILWATCH_RATE_LIMIT", "value", v, "error", err)
			n = DefaultRateLimit
		}
		cfg.RateLimit = n
	}
	if v := getenv("MAILWATCH_TRACE"); v != "" {
		if b, err := strconv.ParseBool(v); err != nil {
			logger.Warn("ignoring invalid setting", "name", "MAILWATCH_TRACE", "value", v, "error", err)
		} else {
			cfg.Trace = b
		}
	}
	return cfg, nil
}

func (f *file) apply(cfg *Config, logger *slog.Logger) {
	override(&cfg.BaseURL, f.BaseURL)
	override(&cfg.WSURL, f.WSURL)
	override(&cfg.DBPath, f.DBPath)
	override(&cfg.LogLevel, f.LogLevel)
	if f.PollInterval != "" {
		cfg.PollInterval = duration("poll_interval", f.PollInterval, DefaultPollInterval, logger)
	}
	if f.HTTPTimeout != "" {
		cfg.HTTPTimeout = duration("http_timeout", f.HTTPTimeout, DefaultHTTPTimeout, logger)
	}
	if f.RateLimit != nil {
		cfg.RateLimit = *f.RateLimit
	}
	cfg.Trace = f.Trace
}

func override(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func duration(name, v string, def time.Duration, logger *slog.Logger) time.Duration {
	d, err := time.ParseDuration(v)
	if err == nil && d <= 0 {
		err = errors.New("must be positive")
	}
	if err != nil {
		logger.Warn("ignoring invalid setting", "name", name, "value", v, "error", err)
		return def
	}
	return d
}

// Resolve validates BaseURL and derives WSURL from it when unset.
func (c *Config) Resolve() error {
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	ws, err := StreamingURL(c.BaseURL)
	if err != nil {
		return err
	}
	if c.WSURL == "" {
		c.WSURL = ws
	}
	return nil
}

// StreamingURL returns the streaming root for a REST base URL: wss for
// https, ws for http, same host, no path.
func StreamingURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "parsing base URL %q", base)
	}
	if u.Host == "" {
		return "", errors.Errorf("base URL %q has no host", base)
	}
	switch u.Scheme {
	case "https":
		return "wss://" + u.Host, nil
	case "http":
		return "ws://" + u.Host, nil
	}
	return "", errors.Errorf("base URL %q: scheme must be http or https", base)
}

// Level returns the slog level named by LogLevel, or warn if it is not
// a level name.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelWarn
	}
	return l
}
