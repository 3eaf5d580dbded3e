package observers

import (
	"context"
	"time"

	"cupcake/internal/eventbus"
)

const DefaultTickInterval = 30 * time.Second

// RunTicker publishes a state.tick signal every interval so observers see
// health changes that no filesystem event announces.
func RunTicker(ctx context.Context, bus eventbus.Bus, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			bus.Publish(eventbus.Event{Type: eventbus.StateTick, Time: now, Source: "ticker"})
		}
	}
}
