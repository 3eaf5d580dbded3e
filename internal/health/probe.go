// Package health answers one question: is the cron daemon running.
package health

import (
	"bytes"
	"context"
	"time"

	logx "cupcake/pkg/logx"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusUnknown  = "unknown"

	DefaultTimeout = 5 * time.Second
)

// Status is derived per check and never persisted.
type Status struct {
	SchedulerRunning bool      `json:"scheduler_running"`
	Status           string    `json:"status"`
	CheckedAt        time.Time `json:"checked_at"`
}

// Unknown is reported when no probe is configured.
func Unknown() Status { return Status{Status: StatusUnknown} }

// Runner performs one liveness query. Any non-whitespace output means the
// scheduler is alive.
type Runner interface {
	Run(ctx context.Context) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context) ([]byte, error) { return f(ctx) }

type Probe struct {
	runner  Runner
	timeout time.Duration
	log     logx.Logger
	now     func() time.Time
}

func NewProbe(r Runner, timeout time.Duration, log logx.Logger) *Probe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Probe{runner: r, timeout: timeout, log: log.With(logx.String("comp", "health")), now: time.Now}
}

// Check runs the liveness query once. Failures are not errors: they report
// a degraded scheduler. There is no retry.
func (p *Probe) Check(ctx context.Context) Status {
	if p == nil || p.runner == nil {
		return Unknown()
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	st := Status{Status: StatusDegraded, CheckedAt: p.now().UTC()}
	out, err := p.runner.Run(ctx)
	if err != nil {
		p.log.Debug("liveness query failed", logx.Err(err))
		return st
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return st
	}
	st.SchedulerRunning = true
	st.Status = StatusOK
	return st
}
