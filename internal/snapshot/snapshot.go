// Package snapshot builds the immutable state value pushed to observers.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cupcake/internal/eventbus"
	"cupcake/internal/health"
	"cupcake/internal/jobs"
	"cupcake/internal/metrics"
	logx "cupcake/pkg/logx"
)

// Snapshot is immutable once built. Its JSON form is computed once and
// shared by every delivery.
type Snapshot struct {
	Jobs    []jobs.Entry  `json:"jobs"`
	Health  health.Status `json:"health"`
	TakenAt time.Time     `json:"taken_at"`

	payload []byte
}

// JSON returns the serialized snapshot. Callers must not modify the slice.
func (s *Snapshot) JSON() []byte { return s.payload }

// JobLister is the read side of jobs.Store.
type JobLister interface {
	List(ctx context.Context) ([]jobs.Entry, error)
}

// Checker is satisfied by *health.Probe.
type Checker interface {
	Check(ctx context.Context) health.Status
}

type Snapshotter struct {
	jobs    JobLister
	health  Checker
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	mu         sync.Mutex
	bus        eventbus.Bus
	lastStatus string
}

func New(jl JobLister, hc Checker, m *metrics.Metrics, log logx.Logger) *Snapshotter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Snapshotter{jobs: jl, health: hc, metrics: m, log: log.With(logx.String("comp", "snapshot")), now: time.Now}
}

// Snapshot lists jobs and probes health concurrently and combines the
// results. Nothing is cached; concurrent Create/Delete calls may or may not
// be reflected.
func (s *Snapshotter) Snapshot(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	snap, err := s.build(ctx)
	s.metrics.ObserveSnapshot(time.Since(start), err)
	if err != nil {
		s.log.Warn("snapshot failed", logx.Err(err))
		return nil, err
	}
	s.metrics.SetSchedulerUp(snap.Health.SchedulerRunning)
	s.metrics.SetJobs(samples(snap.Jobs))
	s.noteHealth(snap.Health)
	return snap, nil
}

// SetBus makes the snapshotter publish eventbus.HealthChanged, carrying the
// new health.Status, whenever the status differs from the previous snapshot.
func (s *Snapshotter) SetBus(b eventbus.Bus) {
	s.mu.Lock()
	s.bus = b
	s.mu.Unlock()
}

func (s *Snapshotter) noteHealth(st health.Status) {
	s.mu.Lock()
	prev := s.lastStatus
	s.lastStatus = st.Status
	b := s.bus
	s.mu.Unlock()

	if b == nil || prev == st.Status {
		return
	}
	s.log.Info("health changed", logx.String("from", prev), logx.String("to", st.Status))
	b.Publish(eventbus.Event{Type: eventbus.HealthChanged, Source: "snapshot", Data: st})
}

func (s *Snapshotter) build(ctx context.Context) (*Snapshot, error) {
	var (
		list []jobs.Entry
		st   = health.Unknown()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		list, err = s.jobs.List(gctx)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		return nil
	})
	if s.health != nil {
		g.Go(func() error {
			st = s.health.Check(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Compose(list, st, s.now())
}

// Compose builds a Snapshot from already gathered parts.
func Compose(list []jobs.Entry, st health.Status, takenAt time.Time) (*Snapshot, error) {
	if list == nil {
		list = []jobs.Entry{}
	}
	snap := &Snapshot{Jobs: list, Health: st, TakenAt: takenAt.UTC()}
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	snap.payload = b
	return snap, nil
}

func samples(list []jobs.Entry) []metrics.JobSample {
	out := make([]metrics.JobSample, 0, len(list))
	for _, e := range list {
		out = append(out, metrics.JobSample{
			Name:       e.Name,
			Uploaded:   e.Uploaded,
			Deleted:    e.Deleted,
			Downloaded: e.Downloaded,
			LastRun:    e.LastRun,
			NextRun:    e.NextRun,
		})
	}
	return out
}
