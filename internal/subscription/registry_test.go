package subscription

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lvonguyen/threatmesh/internal/model"
)

func TestMatches_BoundaryFilters(t *testing.T) {
	r := NewRegistry()
	r.Put(Entry{DeviceID: "d-eq", SessionID: "s-eq", Filter: model.Filter{MinScore: 70}})
	r.Put(Entry{DeviceID: "d-above", SessionID: "s-above", Filter: model.Filter{MinScore: 70.5}})
	r.Put(Entry{DeviceID: "d-type", SessionID: "s-type", Filter: model.Filter{ThreatTypes: []model.ThreatType{model.ThreatTypePhishing}}})
	r.Put(Entry{DeviceID: "d-geo", SessionID: "s-geo", Filter: model.Filter{Geos: []string{"BR"}}})
	r.Put(Entry{DeviceID: "d-any", SessionID: "s-any"})

	ev := model.ThreatEvent{Fingerprint: "f", ThreatType: model.ThreatTypeRansomware, Geo: "BR", Score: 70}

	got := r.Matches(ev)
	sort.Strings(got)
	assert.Equal(t, []string{"s-any", "s-eq", "s-geo"}, got)
}

func TestPut_ReplacesPriorSession(t *testing.T) {
	r := NewRegistry()
	r.Put(Entry{DeviceID: "d1", SessionID: "old"})
	r.Put(Entry{DeviceID: "d1", SessionID: "new"})

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []string{"new"}, r.Matches(model.ThreatEvent{}))

	assert.False(t, r.Remove("d1", "old"), "stale session cannot remove its successor")
	assert.True(t, r.Remove("d1", "new"))
	assert.Equal(t, 0, r.Len())
}

func TestGet(t *testing.T) {
	r := NewRegistry()
	r.Put(Entry{DeviceID: "d1", SessionID: "s1", Filter: model.Filter{MinScore: 30}})

	e, ok := r.Get("d1")
	assert.True(t, ok)
	assert.Equal(t, 30.0, e.Filter.MinScore)

	_, ok = r.Get("d2")
	assert.False(t, ok)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("d-%d-%d", i, j)
				r.Put(Entry{DeviceID: id, SessionID: "s-" + id})
				if j%2 == 0 {
					r.Remove(id, "s-"+id)
				}
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = r.Matches(model.ThreatEvent{Score: 50})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 20*25, r.Len())
}
