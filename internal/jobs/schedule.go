package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cron.d lines carry exactly five time fields; descriptors like @daily are
// accepted because cron itself accepts them.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a five-field schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	sched, err := scheduleParser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun reports the next activation after now. ok is false when expr is
// not something robfig/cron understands; the job is still listed.
func NextRun(expr string, now time.Time) (time.Time, bool) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
