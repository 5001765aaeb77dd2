package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireRelease(t *testing.T) {
	s := NewInMemoryLockStore(time.Second)

	tk, err := s.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", tk.SessionKey)
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, uint64(1), tk.Serial)

	require.NoError(t, s.Release(tk))
	assert.Equal(t, 0, s.ActiveSessions())
}

func TestMutualExclusionPerSession(t *testing.T) {
	s := NewInMemoryLockStore(5 * time.Second)

	var mu sync.Mutex
	var order []int
	inCritical := false

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tk, err := s.Acquire(context.Background(), "shared")
			if !assert.NoError(t, err) {
				return
			}
			defer func() { assert.NoError(t, s.Release(tk)) }()

			mu.Lock()
			assert.False(t, inCritical, "two holders inside the critical section")
			inCritical = true
			order = append(order, n)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical = false
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 8)
	assert.Equal(t, 0, s.ActiveSessions())
}

func TestDistinctSessionsProceedInParallel(t *testing.T) {
	s := NewInMemoryLockStore(time.Second)

	a, err := s.Acquire(context.Background(), "a")
	require.NoError(t, err)

	// Holding a's lock must not block b.
	b, err := s.Acquire(context.Background(), "b")
	require.NoError(t, err)

	require.NoError(t, s.Release(a))
	require.NoError(t, s.Release(b))
}

func TestAcquireTimesOutBehindHolder(t *testing.T) {
	s := NewInMemoryLockStore(20 * time.Millisecond)

	tk, err := s.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	_, err = s.Acquire(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, s.Release(tk))
	assert.Equal(t, 0, s.ActiveSessions())
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	s := NewInMemoryLockStore(time.Minute)

	tk, err := s.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, "s1")
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe cancellation")
	}

	require.NoError(t, s.Release(tk))
}

func TestSerialOrdersContendedAcquisitions(t *testing.T) {
	s := NewInMemoryLockStore(time.Second)

	first, err := s.Acquire(context.Background(), "s1")
	require.NoError(t, err)

	second := make(chan *Ticket, 1)
	go func() {
		tk, err := s.Acquire(context.Background(), "s1")
		if err == nil {
			second <- tk
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Release(first))

	select {
	case tk := <-second:
		assert.Greater(t, tk.Serial, first.Serial)
		require.NoError(t, s.Release(tk))
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired after release")
	}
}

func TestReleaseRejectsStaleTicket(t *testing.T) {
	s := NewInMemoryLockStore(time.Second)

	tk, err := s.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	require.NoError(t, s.Release(tk))

	assert.Error(t, s.Release(tk))
	assert.Error(t, s.Release(nil))
}

func TestEmptySessionKeyRejected(t *testing.T) {
	s := NewInMemoryLockStore(time.Second)
	_, err := s.Acquire(context.Background(), "")
	assert.Error(t, err)
}
