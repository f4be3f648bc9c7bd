package engine

import (
	"sort"
	"sync"

	"github.com/edvin/rollout/internal/model"
)

// Tracker keeps the latest view of recent deployments in memory. It
// implements Observer.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]model.DeploymentResult
	order   []string
	max     int
}

// NewTracker creates a Tracker holding at most max deployments; the oldest
// finished ones are evicted first.
func NewTracker(max int) *Tracker {
	if max <= 0 {
		max = 1000
	}
	return &Tracker{entries: make(map[string]model.DeploymentResult), max: max}
}

func (t *Tracker) Observe(r model.DeploymentResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[r.ID]; !ok {
		t.order = append(t.order, r.ID)
	}
	t.entries[r.ID] = r
	t.evict()
}

// evict drops the oldest terminal entries beyond max. In-flight entries are
// never evicted.
func (t *Tracker) evict() {
	for i := 0; len(t.order) > t.max && i < len(t.order); {
		id := t.order[i]
		if !t.entries[id].State.Terminal() {
			i++
			continue
		}
		delete(t.entries, id)
		t.order = append(t.order[:i], t.order[i+1:]...)
	}
}

// Get returns the latest view of a deployment.
func (t *Tracker) Get(id string) (model.DeploymentResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.entries[id]
	return r, ok
}

// List returns tracked deployments, newest first.
func (t *Tracker) List() []model.DeploymentResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.DeploymentResult, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}
