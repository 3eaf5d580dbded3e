//go:build !linux

package health

import (
	"context"
	"errors"
)

const DefaultUnit = "cron"

var ErrUnsupported = errors.New("health: systemd probe is linux only")

type SystemdRunner struct {
	Unit string
}

func (r SystemdRunner) Run(ctx context.Context) ([]byte, error) { return nil, ErrUnsupported }
