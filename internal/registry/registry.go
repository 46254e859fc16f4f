// Package registry tracks in-flight executions so they can be cancelled by
// id. The interactive path holds at most one entry (enforced by the
// orchestrator's admission gate); fan-out holds one per run.
package registry

import (
	"context"
	"sync"
	"time"
)

type Entry struct {
	Cancel    context.CancelFunc
	StartedAt time.Time
}

type Registry struct {
	m sync.Map // execution id -> Entry
}

func New() *Registry { return &Registry{} }

// Add registers an execution and returns its remove func. The remove func is
// idempotent and must run on every exit path.
func (r *Registry) Add(id string, cancel context.CancelFunc) func() {
	r.m.Store(id, Entry{Cancel: cancel, StartedAt: time.Now()})
	var once sync.Once
	return func() {
		once.Do(func() { r.m.Delete(id) })
	}
}

// Cancel fires the cancel func of the given execution, if it is still active.
func (r *Registry) Cancel(id string) bool {
	v, ok := r.m.Load(id)
	if !ok {
		return false
	}
	v.(Entry).Cancel()
	return true
}

// Active returns the ids of executions currently registered.
func (r *Registry) Active() []string {
	var ids []string
	r.m.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}
