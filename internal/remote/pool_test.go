package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolAcquireRelease(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Size: 2, AcquireTimeout: time.Second}, zap.NewNop())
	defer p.Close()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, lease.Transient)
	require.NotNil(t, lease.Client.Jar)
	require.Equal(t, 1, p.Available())

	p.Release(lease)
	require.Equal(t, 2, p.Available())
}

func TestPoolFallsBackToTransientClient(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Size: 1, AcquireTimeout: 10 * time.Millisecond}, zap.NewNop())
	defer p.Close()

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, second.Transient)
	require.Equal(t, int64(1), p.TransientCount())

	p.Release(second)
	require.Equal(t, 0, p.Available())
	p.Release(first)
	require.Equal(t, 1, p.Available())
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Size: 1, AcquireTimeout: time.Minute}, zap.NewNop())
	defer p.Close()
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolLeasesDoNotShareCookies(t *testing.T) {
	t.Parallel()

	p := NewPool(PoolConfig{Size: 1}, zap.NewNop())
	defer p.Close()

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	jar := first.Client.Jar
	p.Release(first)

	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, jar, second.Client.Jar)
}
