package jobs

import "path/filepath"

const (
	// DefaultLogRetention is written when a job is created without an explicit retention.
	DefaultLogRetention = 3

	DefaultRunAsUser    = "root"
	DefaultBackupScript = "/cupcake/cupcake.sh"
	DefaultSchedulerDir = "/etc/cron.d"
	DefaultLogDir       = "/var/log/cupcake"
)

// Layout describes where jobs live on disk and how their command line is built.
type Layout struct {
	SchedulerDir string
	LogDir       string
	BackupScript string
	RunAsUser    string
}

func (l Layout) withDefaults() Layout {
	if l.SchedulerDir == "" {
		l.SchedulerDir = DefaultSchedulerDir
	}
	if l.LogDir == "" {
		l.LogDir = DefaultLogDir
	}
	if l.BackupScript == "" {
		l.BackupScript = DefaultBackupScript
	}
	if l.RunAsUser == "" {
		l.RunAsUser = DefaultRunAsUser
	}
	return l
}

// LogFile is the live log path of a job.
func (l Layout) LogFile(name string) string {
	return filepath.Join(l.LogDir, name+".log")
}

// StatsFile is the counters side file of a job.
func (l Layout) StatsFile(name string) string {
	return filepath.Join(l.LogDir, name+".stats")
}

// Record is one scheduled backup job as stored in the scheduler directory.
type Record struct {
	Name             string `json:"name"`
	Schedule         string `json:"schedule"`
	RunAsUser        string `json:"user"`
	Source           string `json:"source"`
	Destination      string `json:"destination"`
	Profile          string `json:"profile"`
	LogRetention     int    `json:"log_retention"`
	StorageClass     string `json:"storage_class"`
	DeleteExtraneous bool   `json:"delete"`
	LogFile          string `json:"log_file"`
}

// Stats are the per-job counters maintained by the backup script.
type Stats struct {
	Uploaded   int64 `json:"uploaded"`
	Deleted    int64 `json:"deleted"`
	Downloaded int64 `json:"downloaded"`
	LastRun    int64 `json:"last_run"`
}

// Entry is what listings return: the record written by cupcake and the
// counters written by the backup script, kept as separate values.
// Both are embedded so the JSON form is one flat object.
type Entry struct {
	Record
	Stats
	NextRun int64 `json:"next_run,omitempty"`
}

// LogList is the result of ListLogs.
type LogList struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Logs  []string `json:"logs"`
}
