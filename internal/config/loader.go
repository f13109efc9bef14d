package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if cfg.Discord.GuildID == "" {
		slog.Warn("discord.guild_id is empty; commands register globally and may take up to an hour to appear")
	}
	if cfg.Discord.OperatorRoleID == "" {
		slog.Warn("discord.operator_role_id is empty; every member may control recordings")
	}

	// Recorder
	rec := cfg.Recorder
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"recorder.frame_duration", rec.FrameDuration},
		{"recorder.pre_buffer", rec.PreBuffer},
		{"recorder.max_gap", rec.MaxGap},
		{"recorder.holdback", rec.Holdback},
		{"recorder.drift_tolerance", rec.DriftTolerance},
	} {
		if time.Duration(d.v) < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if rec.Bitrate < 0 {
		errs = append(errs, errors.New("recorder.bitrate must not be negative"))
	}
	if fd, hb := time.Duration(rec.FrameDuration), time.Duration(rec.Holdback); fd > 0 && hb > 0 && hb < fd {
		slog.Warn("recorder.holdback is shorter than one frame; late packets cannot be re-sequenced",
			"holdback", hb, "frame_duration", fd)
	}

	// Catalog
	if cfg.Catalog.PostgresDSN == "" {
		slog.Warn("catalog.postgres_dsn is empty; finished recordings will not be catalogued")
	}

	return errors.Join(errs...)
}
