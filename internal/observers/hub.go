package observers

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cupcake/internal/eventbus"
	"cupcake/internal/metrics"
	"cupcake/internal/snapshot"
	logx "cupcake/pkg/logx"
)

const (
	DefaultSendTimeout = 5 * time.Second
	DefaultRefreshRate = 4.0 // recomputes per second
)

// Snapshotter is satisfied by *snapshot.Snapshotter.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*snapshot.Snapshot, error)
}

type Config struct {
	SendTimeout time.Duration
	// RefreshRate bounds recomputes per second triggered by bus signals.
	RefreshRate float64
}

// Result summarizes one broadcast pass.
type Result struct {
	Delivered int
	Dropped   int
}

// Hub is the only writer of broadcasts: Connect seeds new observers, Run
// turns bus signals into fresh snapshots.
type Hub struct {
	reg     *Registry
	snap    Snapshotter
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	mu          sync.Mutex
	sendTimeout time.Duration
	limiter     *rate.Limiter
}

func NewHub(reg *Registry, snap Snapshotter, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger, cfg Config) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Hub{reg: reg, snap: snap, bus: bus, metrics: m, log: log.With(logx.String("comp", "observers"))}
	h.Apply(cfg)
	return h
}

// Apply updates timeouts and the refresh rate; safe while running.
func (h *Hub) Apply(cfg Config) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.RefreshRate <= 0 {
		cfg.RefreshRate = DefaultRefreshRate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendTimeout = cfg.SendTimeout
	if h.limiter == nil {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RefreshRate), 1)
	} else {
		h.limiter.SetLimit(rate.Limit(cfg.RefreshRate))
	}
}

func (h *Hub) timeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sendTimeout
}

func (h *Hub) Len() int { return h.reg.Len() }

// Connect sends a fresh snapshot to o alone and then adds it to the set.
// When that first send fails o is never added. Other observers are not
// notified of the join itself, but the snapshot taken here may publish
// health.changed when it sees a status flip, and Run then broadcasts that
// flip to every observer.
func (h *Hub) Connect(ctx context.Context, o Observer) (uint64, error) {
	snap, err := h.snap.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	sctx, cancel := context.WithTimeout(ctx, h.timeout())
	err = o.Send(sctx, snap.JSON())
	cancel()
	if err != nil {
		return 0, err
	}
	id := h.reg.Add(o)
	h.metrics.SetObservers(h.reg.Len())
	h.log.Debug("observer connected", logx.Uint64("id", id), logx.Int("observers", h.reg.Len()))
	return id, nil
}

// Disconnect removes the observer. Unknown ids are ignored.
func (h *Hub) Disconnect(id uint64) {
	if _, ok := h.reg.Remove(id); ok {
		h.metrics.SetObservers(h.reg.Len())
		h.log.Debug("observer disconnected", logx.Uint64("id", id), logx.Int("observers", h.reg.Len()))
	}
}

// Broadcast delivers snap to every registered observer concurrently. Each
// send is bounded by the send timeout; observers whose send fails are
// removed during this pass and are not retried.
func (h *Hub) Broadcast(ctx context.Context, snap *snapshot.Snapshot) Result {
	members := h.reg.members()
	if len(members) == 0 {
		return Result{}
	}
	payload := snap.JSON()
	timeout := h.timeout()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		res Result
	)
	for _, m := range members {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, timeout)
			err := m.obs.Send(sctx, payload)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				res.Delivered++
				return
			}
			res.Dropped++
			h.drop(m, err)
		}(m)
	}
	wg.Wait()

	h.metrics.ObserveBroadcast(res.Delivered, res.Dropped)
	h.metrics.SetObservers(h.reg.Len())
	return res
}

func (h *Hub) drop(m member, err error) {
	if _, ok := h.reg.Remove(m.id); !ok {
		return
	}
	h.log.Debug("observer dropped", logx.Uint64("id", m.id), logx.Err(err))
	if c, ok := m.obs.(io.Closer); ok {
		_ = c.Close()
	}
}

// Refresh recomputes one snapshot and broadcasts it. With nobody
// connected nothing is computed.
func (h *Hub) Refresh(ctx context.Context) (Result, error) {
	if h.reg.Len() == 0 {
		return Result{}, nil
	}
	snap, err := h.snap.Snapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	return h.Broadcast(ctx, snap), nil
}

// Run consumes state signals from the bus until ctx ends. Bursts collapse
// into one recompute and recomputes are rate limited.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		return errors.New("observers: hub has no bus")
	}
	ch, unsub := h.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if !wakes(e) {
				continue
			}
		}
		if !drain(ch) {
			return nil
		}

		h.mu.Lock()
		lim := h.limiter
		h.mu.Unlock()
		if err := lim.Wait(ctx); err != nil {
			return ctx.Err()
		}
		// Signals that arrived while throttled are covered by this recompute.
		if !drain(ch) {
			return nil
		}

		res, err := h.Refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.Warn("refresh failed", logx.Err(err))
			continue
		}
		if res.Dropped > 0 {
			h.log.Info("observers dropped", logx.Int("dropped", res.Dropped), logx.Int("delivered", res.Delivered))
		}
	}
}

func wakes(e eventbus.Event) bool {
	return eventbus.Matches(e, eventbus.StateChanged, eventbus.StateTick, eventbus.JobMutated, eventbus.HealthChanged)
}

// drain discards queued events. False when the channel was closed.
func drain(ch <-chan eventbus.Event) bool {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}
