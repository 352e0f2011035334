package lifecycle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/stretchr/testify/assert"
)

func TestKeyedLocks_SerializesPerMint(t *testing.T) {
	k := newKeyedLocks()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(solana.USDCMint)
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, k.Len(), "released locks are dropped")
}

func TestKeyedLocks_IndependentMints(t *testing.T) {
	k := newKeyedLocks()
	unlockA := k.Lock(solana.USDCMint)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock(solana.SOLMint)
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another mint blocked")
	}
	assert.Equal(t, 1, k.Len())
}

func TestKeyedLocks_UnlockIsIdempotent(t *testing.T) {
	k := newKeyedLocks()
	unlock := k.Lock(solana.USDCMint)
	unlock()
	unlock()

	relock := k.Lock(solana.USDCMint)
	relock()
	assert.Equal(t, 0, k.Len())
}
