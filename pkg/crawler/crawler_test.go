package crawler

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageBudgetHoldsUnderConcurrency(t *testing.T) {
	state := &crawlState{job: &Job{MaxPages: 10}}

	// Far more candidate pages than the budget, all racing for slots the
	// way concurrent workers do.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if !state.reservePage() {
				return
			}
			if i%3 == 0 {
				atomic.AddInt64(&state.failed, 1)
			} else {
				atomic.AddInt64(&state.done, 1)
			}
		}(i)
	}
	wg.Wait()

	total := atomic.LoadInt64(&state.done) + atomic.LoadInt64(&state.failed)
	assert.Equal(t, int64(10), total)
	assert.True(t, state.pagesExhausted())
	assert.False(t, state.reservePage())
}

func TestPageReservationReleaseFreesSlot(t *testing.T) {
	state := &crawlState{job: &Job{MaxPages: 1}}

	require.True(t, state.reservePage())
	assert.False(t, state.reservePage())

	// An unsupported content type consumes no page.
	state.releasePage()
	assert.True(t, state.reservePage())
}
