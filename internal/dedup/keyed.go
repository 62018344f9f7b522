package dedup

import (
	"context"
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyedMutex serializes work per key. Different keys never contend beyond
// the brief shard-map access; idle keys are released.
type keyedMutex struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	k := &keyedMutex{}
	for i := range k.shards {
		k.shards[i].locks = make(map[string]*refLock)
	}
	return k
}

func (k *keyedMutex) shard(key string) *lockShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.shards[h.Sum32()%lockShards]
}

// Lock acquires key, waiting until it is free or ctx is done. The returned
// func releases it.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	s := k.shard(key)

	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &refLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(s, key, l)
		return nil, ctx.Err()
	}

	return func() {
		<-l.ch
		k.release(s, key, l)
	}, nil
}

func (k *keyedMutex) release(s *lockShard, key string, l *refLock) {
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

// held returns the number of keys with a holder or waiter.
func (k *keyedMutex) held() int {
	n := 0
	for i := range k.shards {
		k.shards[i].mu.Lock()
		n += len(k.shards[i].locks)
		k.shards[i].mu.Unlock()
	}
	return n
}
