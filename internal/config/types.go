package config

// Config is the daemon configuration. Every field is optional; Defaults
// fills the gaps. All durations are Go duration strings ("5s", "30s").
//
// Example (YAML):
//
//	paths:
//	  scheduler_dir: /etc/cron.d
//	  log_dir: /var/log/cupcake
//	http:
//	  addr: 0.0.0.0:8000
//	health:
//	  backend: command
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	HTTP      HTTPConfig      `json:"http"`
	Health    HealthConfig    `json:"health"`
	Observers ObserversConfig `json:"observers"`
	Profiles  ProfilesConfig  `json:"profiles"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Pprof    *PprofConfig    `json:"pprof,omitempty"`
}

// PathsConfig locates the directories shared with cron and the backup script.
type PathsConfig struct {
	SchedulerDir string `json:"scheduler_dir,omitempty"` // default: /etc/cron.d
	LogDir       string `json:"log_dir,omitempty"`       // default: /var/log/cupcake
	BackupScript string `json:"backup_script,omitempty"` // default: /cupcake/cupcake.sh
	RunAsUser    string `json:"run_as_user,omitempty"`   // default: root
	// StaticDir is served at / when set.
	StaticDir string `json:"static_dir,omitempty"`
}

type HTTPConfig struct {
	Addr              string `json:"addr,omitempty"` // default: 0.0.0.0:8000
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
	// AllowedOrigins for websocket upgrades; empty allows same-host only, "*" allows any.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// LogTailLines is how many existing lines the live log stream sends first.
	LogTailLines int `json:"log_tail_lines,omitempty"`
}

type HealthConfig struct {
	// Backend is "command" (default) or "systemd".
	Backend string `json:"backend,omitempty"`
	Command string `json:"command,omitempty"` // default: ps -e | grep crond
	Unit    string `json:"unit,omitempty"`    // default: cron
	Timeout string `json:"timeout,omitempty"` // default: 5s
}

type ObserversConfig struct {
	SendTimeout     string  `json:"send_timeout,omitempty"`     // default: 5s
	RefreshInterval string  `json:"refresh_interval,omitempty"` // default: 30s
	RefreshRate     float64 `json:"refresh_rate,omitempty"`     // default: 4 per second
	WatchDebounce   string  `json:"watch_debounce,omitempty"`   // default: 250ms
}

type ProfilesConfig struct {
	CredentialsFile string `json:"credentials_file,omitempty"` // default: ~/.aws/credentials
	ConfigFile      string `json:"config_file,omitempty"`      // default: ~/.aws/config
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

type MetricsConfig struct {
	// Disabled hides /metrics.
	Disabled bool `json:"disabled,omitempty"`
}

// StorageConfig controls the audit trail.
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/cupcake/audit.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// TelegramConfig enables health alerts. The token is never logged.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
	// ThreadID targets a forum topic.
	ThreadID   int    `json:"thread_id,omitempty"`
	MinPeriod  string `json:"min_period,omitempty"` // default: 1m between alerts
	APIBaseURL string `json:"api_base_url,omitempty"`
}

// PprofConfig exposes net/http/pprof on a separate listener.
// A non-loopback addr needs a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: 127.0.0.1:6060
	Prefix        string `json:"prefix,omitempty"` // default: /debug/pprof/
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"` // default: 5s
	IdleTimeout   string `json:"idle_timeout,omitempty"` // default: 2m

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
