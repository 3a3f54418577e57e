package infra

import (
	"context"
	"sync"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	// parte do relógio real para não brigar com TTLs do lado do backend
	return &fakeClock{t: time.Now().Truncate(time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// storeHarness é um store pronto para o contrato, com um relógio controlado.
// advance deve mover o relógio do store e, se houver, o do backend.
type storeHarness struct {
	store   domain.CounterStore
	clock   *fakeClock
	advance func(time.Duration)
}

const contractWindow = time.Minute

func runCounterStoreContract(t *testing.T, h storeHarness) {
	t.Helper()
	ctx := context.Background()

	t.Run("fresh key starts at one", func(t *testing.T) {
		u, err := h.store.Increment(ctx, "fresh", contractWindow)
		require.NoError(t, err)
		assert.EqualValues(t, 1, u.Used)
		assert.WithinDuration(t, h.clock.Now().Add(contractWindow), u.Reset, time.Second)
		assert.Equal(t, domain.Unbounded, u.Limit)
		assert.Equal(t, domain.Unbounded, u.Remaining)
	})

	t.Run("n increments yield n", func(t *testing.T) {
		var first domain.Usage
		for i := int64(1); i <= 5; i++ {
			u, err := h.store.Increment(ctx, "seq", contractWindow)
			require.NoError(t, err)
			assert.Equal(t, i, u.Used)
			if i == 1 {
				first = u
			} else {
				assert.WithinDuration(t, first.Reset, u.Reset, time.Second, "window must not be extended")
			}
		}
	})

	t.Run("window rotates after reset", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := h.store.Increment(ctx, "rotate", contractWindow)
			require.NoError(t, err)
		}
		h.advance(contractWindow + time.Second)

		u, err := h.store.Increment(ctx, "rotate", contractWindow)
		require.NoError(t, err)
		assert.EqualValues(t, 1, u.Used)
		assert.WithinDuration(t, h.clock.Now().Add(contractWindow), u.Reset, time.Second)
	})

	t.Run("decrement floors at zero", func(t *testing.T) {
		_, err := h.store.Increment(ctx, "dec", contractWindow)
		require.NoError(t, err)

		require.NoError(t, h.store.Decrement(ctx, "dec"))
		require.NoError(t, h.store.Decrement(ctx, "dec"))

		u, err := h.store.Increment(ctx, "dec", contractWindow)
		require.NoError(t, err)
		assert.EqualValues(t, 1, u.Used)
	})

	t.Run("decrement on missing key is a no-op", func(t *testing.T) {
		require.NoError(t, h.store.Decrement(ctx, "never-seen"))

		u, err := h.store.Increment(ctx, "never-seen", contractWindow)
		require.NoError(t, err)
		assert.EqualValues(t, 1, u.Used)
	})

	t.Run("reset behaves like a fresh key", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			_, err := h.store.Increment(ctx, "reset", contractWindow)
			require.NoError(t, err)
		}
		require.NoError(t, h.store.Reset(ctx, "reset"))

		u, err := h.store.Increment(ctx, "reset", contractWindow)
		require.NoError(t, err)
		assert.EqualValues(t, 1, u.Used)
		assert.WithinDuration(t, h.clock.Now().Add(contractWindow), u.Reset, time.Second)
	})

	t.Run("reset on missing key does not fail", func(t *testing.T) {
		require.NoError(t, h.store.Reset(ctx, "ghost"))
	})
}

// runConcurrentIncrements confere que incrementos concorrentes não se perdem
// (só para backends atômicos).
func runConcurrentIncrements(t *testing.T, store domain.CounterStore) {
	t.Helper()
	const n = 50

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Increment(context.Background(), "concurrent", contractWindow); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	u, err := store.Increment(context.Background(), "concurrent", contractWindow)
	require.NoError(t, err)
	assert.EqualValues(t, n+1, u.Used)
}
