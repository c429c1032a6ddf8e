package launcher_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hackc-pool/hackpoold/internal/platform/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackingLauncher struct {
	inFlight  atomic.Int32
	maxSeen   atomic.Int32
	closed    atomic.Bool
	launchDur time.Duration
}

func (l *trackingLauncher) ChangeUser(string) error { return nil }

func (l *trackingLauncher) Launch(context.Context, []string) (launcher.Handle, error) {
	n := l.inFlight.Add(1)
	for {
		max := l.maxSeen.Load()
		if n <= max || l.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(l.launchDur)
	l.inFlight.Add(-1)
	return nil, nil
}

func (l *trackingLauncher) Close() error {
	l.closed.Store(true)
	return nil
}

func TestDelegateSerializesLaunch(t *testing.T) {
	impl := &trackingLauncher{launchDur: 20 * time.Millisecond}
	d := launcher.NewDelegate(impl)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Launch(context.Background(), []string{"noop"})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, impl.maxSeen.Load())
}

func TestDelegateCloseCallsUnderlyingCloser(t *testing.T) {
	impl := &trackingLauncher{}
	d := launcher.NewDelegate(impl)

	require.NoError(t, d.Close())
	assert.True(t, impl.closed.Load())
}
