// Package subscription holds the read-mostly projection of live sessions and
// their interest filters used to pick fanout targets.
package subscription

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/lvonguyen/threatmesh/internal/model"
)

const shardCount = 32

// Entry is one device's subscription.
type Entry struct {
	DeviceID  string
	SessionID string
	Filter    model.Filter
}

// Registry maps deviceId to the filter of its live session. Each shard is a
// copy-on-write map: readers load an immutable snapshot without locking and
// writers replace it under the shard mutex.
type Registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[string]Entry]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		empty := map[string]Entry{}
		r.shards[i].snap.Store(&empty)
	}
	return r
}

func (r *Registry) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return &r.shards[h.Sum32()%shardCount]
}

// Put installs or replaces the subscription for e.DeviceID.
func (r *Registry) Put(e Entry) {
	s := r.shardFor(e.DeviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	old := *s.snap.Load()
	next := make(map[string]Entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[e.DeviceID] = e
	s.snap.Store(&next)
}

// Remove drops the subscription for deviceID if it still belongs to
// sessionID. A newer session of the same device is left in place.
func (r *Registry) Remove(deviceID, sessionID string) bool {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	old := *s.snap.Load()
	cur, ok := old[deviceID]
	if !ok || cur.SessionID != sessionID {
		return false
	}
	next := make(map[string]Entry, len(old))
	for k, v := range old {
		if k != deviceID {
			next[k] = v
		}
	}
	s.snap.Store(&next)
	return true
}

// Get returns the subscription of deviceID.
func (r *Registry) Get(deviceID string) (Entry, bool) {
	e, ok := (*r.shardFor(deviceID).snap.Load())[deviceID]
	return e, ok
}

// Matches returns the sessions whose filter accepts ev.
func (r *Registry) Matches(ev model.ThreatEvent) []string {
	var out []string
	for i := range r.shards {
		for _, e := range *r.shards[i].snap.Load() {
			if e.Filter.Matches(ev) {
				out = append(out, e.SessionID)
			}
		}
	}
	return out
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		n += len(*r.shards[i].snap.Load())
	}
	return n
}
