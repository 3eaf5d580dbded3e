package app

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"cupcake/internal/config"
	"cupcake/internal/health"
	"cupcake/internal/notify"
	"cupcake/internal/observability/pprof"
	"cupcake/internal/observers"
	"cupcake/internal/transport/httpapi"
	logx "cupcake/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	}
}

func mapHubConfig(cfg *config.Config) observers.Config {
	return observers.Config{
		SendTimeout: config.Duration(cfg.Observers.SendTimeout, config.DefaultSendTimeout),
		RefreshRate: cfg.Observers.RefreshRate,
	}
}

func mapServeConfig(cfg *config.Config) httpapi.ServeConfig {
	return httpapi.ServeConfig{
		Addr:              cfg.HTTP.Addr,
		ReadHeaderTimeout: config.Duration(cfg.HTTP.ReadHeaderTimeout, 10*time.Second),
		IdleTimeout:       config.Duration(cfg.HTTP.IdleTimeout, 2*time.Minute),
		ShutdownTimeout:   config.Duration(cfg.HTTP.ShutdownTimeout, config.DefaultShutdownTimeout),
	}
}

// mapProbe builds the scheduler liveness probe for the configured backend.
func mapProbe(cfg *config.Config, log logx.Logger) (*health.Probe, error) {
	var r health.Runner
	switch cfg.Health.Backend {
	case "", "command":
		r = health.CommandRunner{Command: cfg.Health.Command}
	case "systemd":
		if runtime.GOOS != "linux" {
			return nil, fmt.Errorf("health.backend: systemd is only available on linux")
		}
		r = health.SystemdRunner{Unit: cfg.Health.Unit}
	default:
		return nil, fmt.Errorf("health.backend: unknown backend %q", cfg.Health.Backend)
	}
	timeout := config.Duration(cfg.Health.Timeout, config.DefaultHealthTimeout)
	return health.NewProbe(r, timeout, log), nil
}

// mapPprofConfig validates the pprof section. It never starts the server.
func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	if pc == nil {
		return pprof.Config{}, nil
	}
	return pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Prefix:               pc.Prefix,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		ReadTimeout:          config.Duration(pc.ReadTimeout, 5*time.Second),
		IdleTimeout:          config.Duration(pc.IdleTimeout, 2*time.Minute),
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
	}.Normalize()
}

func mapTelegram(cfg *config.Config) (notify.TelegramConfig, time.Duration, bool) {
	t := cfg.Telegram
	if t == nil || !t.Enabled {
		return notify.TelegramConfig{}, 0, false
	}
	return notify.TelegramConfig{
		Token:      t.Token,
		ChatID:     t.ChatID,
		ThreadID:   t.ThreadID,
		APIBaseURL: t.APIBaseURL,
	}, config.Duration(t.MinPeriod, notify.DefaultMinPeriod), true
}

// probeSwitch lets a config reload replace the probe under a running
// snapshotter.
type probeSwitch struct {
	p atomic.Pointer[health.Probe]
}

func (s *probeSwitch) Check(ctx context.Context) health.Status {
	return s.p.Load().Check(ctx)
}
