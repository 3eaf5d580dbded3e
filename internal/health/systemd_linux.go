//go:build linux

package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
)

// DefaultUnit is the Debian/Ubuntu cron unit; RHEL calls it crond.
const DefaultUnit = "cron"

// SystemdRunner asks systemd over D-Bus for the unit's ActiveState.
// Output is the state when it is "active", empty otherwise.
type SystemdRunner struct {
	Unit string
}

func (r SystemdRunner) Run(ctx context.Context) ([]byte, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("systemd connect: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unitName(r.Unit))
	if err != nil {
		return nil, fmt.Errorf("unit properties: %w", err)
	}
	if state, _ := props["ActiveState"].(string); state == "active" {
		return []byte(state), nil
	}
	return nil, nil
}

func unitName(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		unit = DefaultUnit
	}
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	return unit
}
