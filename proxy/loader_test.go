package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestScriptLoaderRunsOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	l := NewScriptLoader(func(ctx context.Context) error {
		calls.Inc()
		<-release
		return nil
	})

	const n = 16
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Load(context.Background())
		}()
	}
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.True(t, l.Loaded())
	require.NoError(t, l.Load(context.Background()))
	require.Equal(t, int32(1), calls.Load())
}

func TestScriptLoaderRetriesAfterFailure(t *testing.T) {
	boom := errors.New("script load failed")
	var calls atomic.Int32
	l := NewScriptLoader(func(ctx context.Context) error {
		if calls.Inc() == 1 {
			return boom
		}
		return nil
	})

	require.ErrorIs(t, l.Load(context.Background()), boom)
	require.False(t, l.Loaded())
	require.NoError(t, l.Load(context.Background()))
	require.True(t, l.Loaded())
	require.Equal(t, int32(2), calls.Load())
}

func TestLoaderFailureFailsConcurrentInits(t *testing.T) {
	ctrl := gomock.NewController(t)
	bridge := NewMockBridge(ctrl)
	// No InvokeVoid expectation: the bridge must never be reached.

	boom := errors.New("bootstrap script unavailable")
	loader := NewScriptLoader(func(ctx context.Context) error { return boom })
	reg := NewRegistry(bridge, WithScriptLoader(loader))

	const n = 8
	proxies := make([]*WorkerProxy, n)
	for i := range proxies {
		p, err := reg.Spawn()
		require.NoError(t, err)
		proxies[i] = p
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i, p := range proxies {
		wg.Add(1)
		go func(i int, p *WorkerProxy) {
			defer wg.Done()
			errs[i] = p.Init(context.Background(), Options{})
		}(i, p)
	}
	wg.Wait()

	for i, p := range proxies {
		assert.ErrorIs(t, errs[i], ErrInitialization)
		assert.ErrorIs(t, errs[i], boom)
		assert.False(t, p.IsInitialized())
		assert.Equal(t, StateCreated, p.State())
	}
}

func TestLoaderForSharesPerBridge(t *testing.T) {
	ctrl := gomock.NewController(t)
	type bootBridge struct {
		*MockBridge
		*MockBootstrapper
	}
	b := &bootBridge{NewMockBridge(ctrl), NewMockBootstrapper(ctrl)}
	b.MockBootstrapper.EXPECT().Bootstrap(gomock.Any()).Return(nil).Times(1)
	defer ReleaseLoader(b)

	require.Same(t, loaderFor(b), loaderFor(b))
	require.NoError(t, loaderFor(b).Load(context.Background()))
	require.NoError(t, loaderFor(b).Load(context.Background()))
}
