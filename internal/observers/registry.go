// Package observers keeps the set of live state subscribers and pushes
// snapshots to them.
package observers

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Observer receives serialized snapshots. Send must respect ctx; an error
// is terminal for the observer.
type Observer interface {
	Send(ctx context.Context, payload []byte) error
}

// Registry is the concurrency-safe observer set. It is owned by whoever
// constructs it and injected into the Hub.
type Registry struct {
	m   *xsync.Map[uint64, Observer]
	seq atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{m: xsync.NewMap[uint64, Observer]()}
}

// Add registers o and returns its id. Ids are never reused.
func (r *Registry) Add(o Observer) uint64 {
	id := r.seq.Add(1)
	r.m.Store(id, o)
	return id
}

// Remove drops the observer; false if it was already gone.
func (r *Registry) Remove(id uint64) (Observer, bool) {
	return r.m.LoadAndDelete(id)
}

func (r *Registry) Len() int { return r.m.Size() }

type member struct {
	id  uint64
	obs Observer
}

// members copies the current set so sends never run under the map's locks.
func (r *Registry) members() []member {
	out := make([]member, 0, r.m.Size())
	r.m.Range(func(id uint64, o Observer) bool {
		out = append(out, member{id: id, obs: o})
		return true
	})
	return out
}
