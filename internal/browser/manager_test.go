// internal/browser/manager_test.go
package browser

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tether/internal/config"
)

// fakeOpener hands out cancellable contexts and counts how many are still live.
type fakeOpener struct {
	mu   sync.Mutex
	live int
	err  error
	// hold, when set, delays each cancel so shutdown timeouts can be observed.
	hold chan struct{}
}

func (f *fakeOpener) open(allocCtx context.Context, _ *zap.Logger) (context.Context, context.CancelFunc, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	ctx, cancel := context.WithCancel(allocCtx)
	f.mu.Lock()
	f.live++
	f.mu.Unlock()
	return ctx, func() {
		if f.hold != nil {
			<-f.hold
		}
		cancel()
		f.mu.Lock()
		f.live--
		f.mu.Unlock()
	}, nil
}

func (f *fakeOpener) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func newTestManager(t *testing.T, f *fakeOpener) *Manager {
	t.Helper()
	m := NewManager(context.Background(), config.BrowserConfig{RemoteURL: "http://127.0.0.1:9222"}, zaptest.NewLogger(t))
	m.open = f.open
	return m
}

func TestManager_TabLifecycleAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := &fakeOpener{}
	m := newTestManager(t, f)
	ctx := context.Background()

	tabs := make([]*Tab, 3)
	for i := range tabs {
		tab, err := m.NewTab(ctx)
		require.NoError(t, err)
		require.NotNil(t, tab.CDPDriver)
		tabs[i] = tab
	}
	assert.NotEqual(t, tabs[0].ID(), tabs[1].ID())
	assert.Equal(t, 3, m.Tabs())

	tabs[0].Close()
	tabs[0].Close()
	assert.Equal(t, 2, m.Tabs())
	assert.Equal(t, 2, f.Live())

	require.NoError(t, m.Shutdown(ctx))
	assert.Zero(t, m.Tabs())
	assert.Zero(t, f.Live())

	_, err := m.NewTab(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.NoError(t, m.Shutdown(ctx), "second shutdown is a no-op")
}

func TestManager_ShutdownTimeout(t *testing.T) {
	f := &fakeOpener{hold: make(chan struct{})}
	m := newTestManager(t, f)

	_, err := m.NewTab(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Let the stuck close finish so the goroutine exits.
	close(f.hold)
	assert.Eventually(t, func() bool { return f.Live() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_OpenErrors(t *testing.T) {
	boom := errors.New("connection refused")
	m := newTestManager(t, &fakeOpener{err: boom})

	_, err := m.NewTab(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "127.0.0.1:9222")
	assert.Zero(t, m.Tabs())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.NewTab(cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	// A failed open must not leave Shutdown waiting.
	assert.NoError(t, m.ShutdownWithGrace())
}

func TestManager_Integration(t *testing.T) {
	url := os.Getenv("TETHER_CDP_URL")
	if url == "" {
		t.Skip("TETHER_CDP_URL not set; skipping browser manager integration test")
	}
	m := NewManager(context.Background(), config.BrowserConfig{RemoteURL: url}, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tab, err := m.NewTab(ctx)
	require.NoError(t, err)
	require.NoError(t, tab.Navigate(ctx, "about:blank"))
	require.NoError(t, m.Shutdown(ctx))
}
