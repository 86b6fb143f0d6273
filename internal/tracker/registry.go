package tracker

import (
	"sync"
	"time"

	"github.com/ukydev/fieldtrack/internal/geo"
	"github.com/ukydev/fieldtrack/internal/models"
)

// engineerState is everything the engine mutates for one engineer. All
// writes hold mu; snapshot reads take the read lock.
type engineerState struct {
	mu           sync.RWMutex
	eng          models.Engineer
	trip         *models.Trip
	acc          *geo.Accumulator
	visit        *models.Visit
	lastAccepted time.Time
}

type registry struct {
	mu        sync.RWMutex
	engineers map[string]*engineerState
}

func newRegistry() *registry {
	return &registry{engineers: make(map[string]*engineerState)}
}

// get returns the engineer's state, creating an idle record on first use.
func (r *registry) get(id string) *engineerState {
	r.mu.RLock()
	st, ok := r.engineers[id]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok = r.engineers[id]; ok {
		return st
	}
	st = &engineerState{eng: models.Engineer{ID: id, Status: models.StatusIdle}}
	r.engineers[id] = st
	return st
}

func (r *registry) lookup(id string) (*engineerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.engineers[id]
	return st, ok
}

// all returns the current set of states. Engineers added afterwards are
// not included.
func (r *registry) all() []*engineerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engineerState, 0, len(r.engineers))
	for _, st := range r.engineers {
		out = append(out, st)
	}
	return out
}
