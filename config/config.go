// Package config loads TOML configuration for the client and the host.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mbocsi/hostlink/client"
	"github.com/mbocsi/hostlink/proto"
	"github.com/mbocsi/hostlink/transport"
)

// Duration is a time.Duration written as a string ("2s", "150ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json or text
}

// ClientConfig configures cmd/hostlink.
type ClientConfig struct {
	BaseURL    string   `toml:"base_url"`
	Signature  string   `toml:"signature"`
	PageURL    string   `toml:"page_url"`
	IsTopLevel bool     `toml:"is_top_level"`
	Discover   bool     `toml:"discover"`   // find the host over mDNS when base_url is empty
	Transports []string `toml:"transports"` // strategy order

	CallTimeout      Duration `toml:"call_timeout"`
	PollDefer        Duration `toml:"poll_defer"`
	MaxPoll          Duration `toml:"max_poll"`
	WatchdogInterval Duration `toml:"watchdog_interval"`
	DegradedAfter    int      `toml:"degraded_after"`
	ReinitThreshold  Duration `toml:"reinit_threshold"`
	ReinitFastDelay  Duration `toml:"reinit_fast_delay"`
	ReinitSlowDelay  Duration `toml:"reinit_slow_delay"`
	LogLimit         int      `toml:"log_limit"`

	Log LogConfig `toml:"log"`
}

// HostConfig configures cmd/hostd.
type HostConfig struct {
	Addr        string   `toml:"addr"`
	Signature   string   `toml:"signature"`
	PollingMode string   `toml:"polling_mode"`
	LongWait    Duration `toml:"long_wait"` // how long a long-wait request is held open
	MCPAddr     string   `toml:"mcp_addr"`  // empty disables the MCP endpoint
	Advertise   bool     `toml:"advertise"`
	Instance    string   `toml:"instance"` // mDNS instance name

	Log LogConfig `toml:"log"`
}

func DefaultClient() ClientConfig {
	return ClientConfig{
		BaseURL:          "http://localhost:8080/",
		Signature:        "hostlink",
		PageURL:          "about:blank",
		IsTopLevel:       true,
		Transports:       []string{"websocket", "http"},
		CallTimeout:      Duration{transport.DefaultCallTimeout},
		PollDefer:        Duration{transport.DefaultPollDefer},
		MaxPoll:          Duration{transport.DefaultMaxPoll},
		WatchdogInterval: Duration{client.DefaultWatchdogInterval},
		DegradedAfter:    1,
		ReinitThreshold:  Duration{client.DefaultReinitThreshold},
		ReinitFastDelay:  Duration{client.DefaultReinitFastDelay},
		ReinitSlowDelay:  Duration{client.DefaultReinitSlowDelay},
		LogLimit:         client.DefaultLogLimit,
		Log:              LogConfig{Level: "info", Format: "json"},
	}
}

func DefaultHost() HostConfig {
	return HostConfig{
		Addr:        ":8080",
		Signature:   "hostlink",
		PollingMode: proto.ModePingPong,
		LongWait:    Duration{25 * time.Second},
		Instance:    "hostd",
		Log:         LogConfig{Level: "info", Format: "json"},
	}
}

// LoadClient reads path over the defaults. An empty path yields the
// defaults.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClient()
	if err := decode(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func LoadHost(path string) (HostConfig, error) {
	cfg := DefaultHost()
	if err := decode(path, &cfg); err != nil {
		return HostConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return HostConfig{}, err
	}
	return cfg, nil
}

func decode(path string, v any) error {
	if path == "" {
		return nil
	}
	meta, err := toml.DecodeFile(path, v)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c ClientConfig) Validate() error {
	if c.BaseURL == "" && !c.Discover {
		return fmt.Errorf("base_url is required unless discover is set")
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("base_url must be an http or https URL, got %q", c.BaseURL)
		}
	}
	if c.Signature == "" {
		return fmt.Errorf("signature is required")
	}
	if len(c.Transports) == 0 {
		return fmt.Errorf("at least one transport is required")
	}
	for _, name := range c.Transports {
		if name != "websocket" && name != "http" {
			return fmt.Errorf("unknown transport %q", name)
		}
	}
	if c.MaxPoll.Duration <= 0 || c.CallTimeout.Duration <= 0 {
		return fmt.Errorf("max_poll and call_timeout must be positive")
	}
	if c.DegradedAfter < 1 {
		return fmt.Errorf("degraded_after must be at least 1")
	}
	return validateLog(c.Log)
}

func (c HostConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Signature == "" || strings.Contains(c.Signature, "/") {
		return fmt.Errorf("signature must be a single path segment, got %q", c.Signature)
	}
	if c.PollingMode != proto.ModePingPong && c.PollingMode != proto.ModeLongWait {
		return fmt.Errorf("polling_mode must be %q or %q", proto.ModePingPong, proto.ModeLongWait)
	}
	if c.LongWait.Duration <= 0 {
		return fmt.Errorf("long_wait must be positive")
	}
	return validateLog(c.Log)
}

func validateLog(c LogConfig) error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	if c.Format != "json" && c.Format != "text" {
		return fmt.Errorf("log format must be json or text, got %q", c.Format)
	}
	return nil
}

// TransportOptions maps the file settings onto transport options.
func (c ClientConfig) TransportOptions(logger *slog.Logger) transport.Options {
	return transport.Options{
		BaseURL:     c.BaseURL,
		Signature:   c.Signature,
		PageURL:     c.PageURL,
		IsTopLevel:  c.IsTopLevel,
		CallTimeout: c.CallTimeout.Duration,
		PollDefer:   c.PollDefer.Duration,
		MaxPoll:     c.MaxPoll.Duration,
		Logger:      logger,
	}
}

func (c ClientConfig) SessionOptions(logger *slog.Logger) client.Options {
	return client.Options{
		WatchdogInterval: c.WatchdogInterval.Duration,
		DegradedAfter:    c.DegradedAfter,
		ReinitThreshold:  c.ReinitThreshold.Duration,
		ReinitFastDelay:  c.ReinitFastDelay.Duration,
		ReinitSlowDelay:  c.ReinitSlowDelay.Duration,
		MaxPoll:          c.MaxPoll.Duration,
		LogLimit:         c.LogLimit,
		Logger:           logger,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// SetupLogger installs the default slog logger writing to stdout.
func SetupLogger(c LogConfig) (*slog.Logger, error) {
	return SetupLoggerTo(c, os.Stdout)
}

// SetupLoggerTo is SetupLogger with an explicit destination, for
// processes that keep stdout for a protocol stream.
func SetupLoggerTo(c LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch c.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
