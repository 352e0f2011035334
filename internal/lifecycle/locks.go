package lifecycle

import (
	"sync"

	"github.com/nexus-trading/lanetrader/internal/solana"
)

// keyedLocks hands out one mutex per mint. Entries are reference counted
// and dropped when the last holder or waiter releases them, so the map only
// holds tokens currently being worked on.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[solana.Pubkey]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[solana.Pubkey]*keyedLock)}
}

// Lock blocks until the mint's lock is held and returns its release.
func (k *keyedLocks) Lock(mint solana.Pubkey) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[mint]
	if !ok {
		l = &keyedLock{}
		k.locks[mint] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			k.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(k.locks, mint)
			}
			k.mu.Unlock()
		})
	}
}

// Len returns the number of mints with a holder or waiter.
func (k *keyedLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
