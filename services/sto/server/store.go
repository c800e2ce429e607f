package server

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"confio/native/common"
)

// keyedMutex serialises work per intent. Entries are dropped once no holder
// or waiter remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// prepared is what submit needs from an earlier prepare.
type prepared struct {
	Sponsor     []common.SponsorTxn
	UserIndexes []int
	LastValid   uint64
}

// preparedStore keeps P2P and send groups between prepare and submit.
type preparedStore struct {
	lru *expirable.LRU[string, prepared]
}

func newPreparedStore(size int, ttl time.Duration) *preparedStore {
	if size <= 0 {
		size = 4096
	}
	if ttl <= 0 {
		ttl = 50 * time.Minute
	}
	return &preparedStore{lru: expirable.NewLRU[string, prepared](size, nil, ttl)}
}

func preparedKey(action common.Action, intentID, caller string) string {
	return string(action) + "/" + intentID + "/" + caller
}

func (s *preparedStore) put(key string, p prepared) { s.lru.Add(key, p) }

func (s *preparedStore) get(key string) (prepared, bool) { return s.lru.Get(key) }

func (s *preparedStore) drop(key string) { s.lru.Remove(key) }
