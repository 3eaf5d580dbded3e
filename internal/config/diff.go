package config

import (
	"reflect"

	logx "cupcake/pkg/logx"
)

// SummarizeConfigChange returns the list of changed sections and safe
// structured attrs for logging. Secrets (telegram token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Paths != newCfg.Paths {
		changed = append(changed, "paths")
		attrs = append(attrs,
			logx.String("paths.scheduler_dir", newCfg.Paths.SchedulerDir),
			logx.String("paths.log_dir", newCfg.Paths.LogDir),
		)
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.String("health.backend", newCfg.Health.Backend),
			logx.String("health.timeout", newCfg.Health.Timeout),
		)
	}
	if oldCfg.Observers != newCfg.Observers {
		changed = append(changed, "observers")
		attrs = append(attrs,
			logx.String("observers.send_timeout", newCfg.Observers.SendTimeout),
			logx.String("observers.refresh_interval", newCfg.Observers.RefreshInterval),
		)
	}
	if oldCfg.Profiles != newCfg.Profiles {
		changed = append(changed, "profiles")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !telegramEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		enabled := newCfg.Telegram != nil && newCfg.Telegram.Enabled
		attrs = append(attrs, logx.Bool("telegram.enabled", enabled))
	}
	if !pprofEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		enabled := newCfg.Pprof != nil && newCfg.Pprof.Enabled
		attrs = append(attrs, logx.Bool("pprof.enabled", enabled))
	}
	return changed, attrs
}

func pprofEqual(a, b *PprofConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func telegramEqual(a, b *TelegramConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// RestartRequired reports changes that only take effect after a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.HTTP.Addr != newCfg.HTTP.Addr {
		out = append(out, "http.addr")
	}
	if oldCfg.Paths != newCfg.Paths {
		out = append(out, "paths")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.Profiles != newCfg.Profiles {
		out = append(out, "profiles")
	}
	return out
}
