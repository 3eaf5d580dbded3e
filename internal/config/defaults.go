package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cupcake/internal/jobs"
)

const (
	DefaultAddr            = "0.0.0.0:8000"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRefreshInterval = 30 * time.Second
	DefaultSendTimeout     = 5 * time.Second
	DefaultHealthTimeout   = 5 * time.Second
	DefaultLogTailLines    = 200
)

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills empty fields in place.
func (c *Config) ApplyDefaults() {
	p := &c.Paths
	p.SchedulerDir = orStr(p.SchedulerDir, jobs.DefaultSchedulerDir)
	p.LogDir = orStr(p.LogDir, jobs.DefaultLogDir)
	p.BackupScript = orStr(p.BackupScript, jobs.DefaultBackupScript)
	p.RunAsUser = orStr(p.RunAsUser, jobs.DefaultRunAsUser)

	c.HTTP.Addr = orStr(c.HTTP.Addr, DefaultAddr)
	if c.HTTP.LogTailLines <= 0 {
		c.HTTP.LogTailLines = DefaultLogTailLines
	}

	c.Health.Backend = strings.ToLower(orStr(c.Health.Backend, "command"))

	home, _ := os.UserHomeDir()
	c.Profiles.CredentialsFile = orStr(c.Profiles.CredentialsFile, filepath.Join(home, ".aws", "credentials"))
	c.Profiles.ConfigFile = orStr(c.Profiles.ConfigFile, filepath.Join(home, ".aws", "config"))

	c.Logging.Level = orStr(c.Logging.Level, "info")
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	switch c.Health.Backend {
	case "", "command", "systemd":
	default:
		errs = append(errs, fmt.Errorf("health.backend: unknown backend %q (use command or systemd)", c.Health.Backend))
	}
	for path, raw := range map[string]string{
		"http.read_header_timeout":   c.HTTP.ReadHeaderTimeout,
		"http.idle_timeout":          c.HTTP.IdleTimeout,
		"http.shutdown_timeout":      c.HTTP.ShutdownTimeout,
		"health.timeout":             c.Health.Timeout,
		"observers.send_timeout":     c.Observers.SendTimeout,
		"observers.refresh_interval": c.Observers.RefreshInterval,
		"observers.watch_debounce":   c.Observers.WatchDebounce,
	} {
		if _, err := parseDuration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Observers.RefreshRate < 0 {
		errs = append(errs, errors.New("observers.refresh_rate must be >= 0"))
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := parseDuration("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if p := c.Pprof; p != nil {
		for path, raw := range map[string]string{
			"pprof.read_timeout": p.ReadTimeout,
			"pprof.idle_timeout": p.IdleTimeout,
		} {
			if _, err := parseDuration(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if t := c.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			errs = append(errs, errors.New("telegram.token is required when telegram is enabled"))
		}
		if t.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id is required when telegram is enabled"))
		}
		if _, err := parseDuration("telegram.min_period", t.MinPeriod); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Layout converts the paths section for the job store.
func (c *Config) Layout() jobs.Layout {
	return jobs.Layout{
		SchedulerDir: c.Paths.SchedulerDir,
		LogDir:       c.Paths.LogDir,
		BackupScript: c.Paths.BackupScript,
		RunAsUser:    c.Paths.RunAsUser,
	}
}

// Duration returns a validated duration field, or def when it is empty or
// zero. Call after Validate; an unparsable value also yields def.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := parseDuration("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// parseDuration reads a Go duration string ("30s", "5m") found at key.
// Empty means zero.
func parseDuration(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration such as \"30s\" or \"5m\"", key, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", key, raw)
	}
	return d, nil
}

func orStr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
