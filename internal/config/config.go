// Package config loads offsync configuration from YAML.
//
// A file is decoded with yaml.v3, unified with the embedded CUE schema
// (which rejects unknown keys and out-of-range values) and then layered
// over Default(). Every key is optional.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/backoff"
	"github.com/roach88/offsync/internal/realtime"
)

//go:embed schema.cue
var schemaSource string

// Config is the resolved configuration.
type Config struct {
	Database     string
	Remote       RemoteConfig
	Connectivity ConnectivityConfig
	Sync         SyncConfig
	Realtime     RealtimeConfig
	Log          LogConfig
}

// RemoteConfig locates the remote store.
type RemoteConfig struct {
	URL     string
	Timeout time.Duration
}

// ConnectivityConfig controls reachability probing.
type ConnectivityConfig struct {
	ProbeInterval time.Duration
	InitialOnline bool
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	Compaction    string
	MaxAttempts   int
	RetryInterval time.Duration
	CallTimeout   time.Duration
	Backoff       backoff.Policy
}

// RealtimeConfig controls watch handles.
type RealtimeConfig struct {
	DedupeInserts bool
	Reconnect     backoff.Policy
}

// LogConfig controls the slog handler installed by the CLI.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: "offsync.db",
		Remote: RemoteConfig{
			URL:     "http://127.0.0.1:8787",
			Timeout: 30 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 5 * time.Second,
			InitialOnline: true,
		},
		Sync: SyncConfig{
			Compaction:    "remove",
			MaxAttempts:   0,
			RetryInterval: 30 * time.Second,
			CallTimeout:   10 * time.Second,
			Backoff:       backoff.DefaultPolicy(),
		},
		Realtime: RealtimeConfig{
			Reconnect: realtime.DefaultReconnectPolicy(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SlogLevel maps Log.Level onto slog.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses path. An empty path returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates YAML data against the schema and layers it over
// Default().
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := def.Unify(ctx.Encode(raw))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("validate: %w", err)
	}

	var f file
	if err := value.Decode(&f); err != nil {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	return f.apply(Default())
}

// file mirrors the YAML layout; nil means "keep the default".
type file struct {
	Database *string `json:"database"`
	Remote   *struct {
		URL     *string `json:"url"`
		Timeout *string `json:"timeout"`
	} `json:"remote"`
	Connectivity *struct {
		ProbeInterval *string `json:"probe_interval"`
		InitialOnline *bool   `json:"initial_online"`
	} `json:"connectivity"`
	Sync *struct {
		Compaction    *string      `json:"compaction"`
		MaxAttempts   *int         `json:"max_attempts"`
		RetryInterval *string      `json:"retry_interval"`
		CallTimeout   *string      `json:"call_timeout"`
		Backoff       *backoffFile `json:"backoff"`
	} `json:"sync"`
	Realtime *struct {
		DedupeInserts *bool        `json:"dedupe_inserts"`
		Reconnect     *backoffFile `json:"reconnect"`
	} `json:"realtime"`
	Log *struct {
		Level  *string `json:"level"`
		Format *string `json:"format"`
	} `json:"log"`
}

type backoffFile struct {
	Initial    *string  `json:"initial"`
	Max        *string  `json:"max"`
	Multiplier *float64 `json:"multiplier"`
	Jitter     *float64 `json:"jitter"`
}

func (f file) apply(cfg Config) (Config, error) {
	var errs []error
	dur := func(dst *time.Duration, src *string, key string) {
		if src == nil {
			return
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}

	set(&cfg.Database, f.Database)
	if r := f.Remote; r != nil {
		set(&cfg.Remote.URL, r.URL)
		dur(&cfg.Remote.Timeout, r.Timeout, "remote.timeout")
	}
	if c := f.Connectivity; c != nil {
		dur(&cfg.Connectivity.ProbeInterval, c.ProbeInterval, "connectivity.probe_interval")
		if c.InitialOnline != nil {
			cfg.Connectivity.InitialOnline = *c.InitialOnline
		}
	}
	if s := f.Sync; s != nil {
		set(&cfg.Sync.Compaction, s.Compaction)
		if s.MaxAttempts != nil {
			cfg.Sync.MaxAttempts = *s.MaxAttempts
		}
		dur(&cfg.Sync.RetryInterval, s.RetryInterval, "sync.retry_interval")
		dur(&cfg.Sync.CallTimeout, s.CallTimeout, "sync.call_timeout")
		errs = append(errs, s.Backoff.apply(&cfg.Sync.Backoff, "sync.backoff")...)
	}
	if r := f.Realtime; r != nil {
		if r.DedupeInserts != nil {
			cfg.Realtime.DedupeInserts = *r.DedupeInserts
		}
		errs = append(errs, r.Reconnect.apply(&cfg.Realtime.Reconnect, "realtime.reconnect")...)
	}
	if l := f.Log; l != nil {
		set(&cfg.Log.Level, l.Level)
		set(&cfg.Log.Format, l.Format)
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (b *backoffFile) apply(p *backoff.Policy, key string) []error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, d := range []struct {
		dst  *time.Duration
		src  *string
		name string
	}{
		{&p.Initial, b.Initial, "initial"},
		{&p.Max, b.Max, "max"},
	} {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.%s: %w", key, d.name, err))
			continue
		}
		*d.dst = v
	}
	if b.Multiplier != nil {
		p.Multiplier = *b.Multiplier
	}
	if b.Jitter != nil {
		p.Jitter = *b.Jitter
	}
	return errs
}
