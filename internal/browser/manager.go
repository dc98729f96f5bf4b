// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// ErrShutdown is returned by NewTab once Shutdown has begun.
var ErrShutdown = errors.New("browser manager is shut down")

// opener creates a tab context under the allocator context.
type opener func(allocCtx context.Context, logger *zap.Logger) (context.Context, context.CancelFunc, error)

// Manager owns the connection to a remote browser and the tabs opened on it.
// Tabs are independent: each gets its own CDPDriver and its own lifetime.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	open   opener

	allocCtx    context.Context
	cancelAlloc context.CancelFunc

	tabs   map[string]*Tab
	closed bool
	mu     sync.Mutex
	wg     sync.WaitGroup // tracks open tabs so Shutdown can wait for them.
}

// Tab is one browser tab. It embeds the CDPDriver that drives it.
type Tab struct {
	*session.CDPDriver
	id        string
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func()
}

// ID returns the manager-assigned tab id.
func (t *Tab) ID() string { return t.id }

// Close closes the tab. It is safe to call more than once.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		t.cancel()
		if t.onClose != nil {
			t.onClose()
		}
	})
}

// NewManager prepares a manager for the browser at cfg.RemoteURL. No
// connection is made until the first NewTab.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, cancel := chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	m := &Manager{
		cfg:         cfg,
		logger:      logger.Named("browser_manager"),
		open:        openChromedpTab,
		allocCtx:    allocCtx,
		cancelAlloc: cancel,
		tabs:        make(map[string]*Tab),
	}
	m.logger.Debug("Browser manager created.", zap.String("remote_url", cfg.RemoteURL))
	return m
}

// openChromedpTab creates a new target. The empty Run attaches to it, so an
// unreachable browser fails here rather than on the first action.
func openChromedpTab(allocCtx context.Context, logger *zap.Logger) (context.Context, context.CancelFunc, error) {
	tabCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Debugf),
	)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, nil, err
	}
	return tabCtx, cancel, nil
}

// NewTab opens a tab and returns it with a ready CDPDriver.
func (m *Manager) NewTab(ctx context.Context) (*Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	// Registered before the open so Shutdown waits for a tab still being created.
	m.wg.Add(1)
	m.mu.Unlock()

	tabCtx, cancel, err := m.open(m.allocCtx, m.logger)
	if err != nil {
		m.wg.Done()
		return nil, fmt.Errorf("failed to open tab on %s: %w", m.cfg.RemoteURL, err)
	}

	tab := &Tab{
		CDPDriver: session.NewCDPDriver(tabCtx, m.logger),
		id:        uuid.NewString(),
		cancel:    cancel,
	}
	tab.onClose = func() {
		m.mu.Lock()
		delete(m.tabs, tab.id)
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Tab closed.", zap.String("tab_id", tab.id))
	}

	m.mu.Lock()
	m.tabs[tab.id] = tab
	m.mu.Unlock()

	m.logger.Info("New tab opened.", zap.String("tab_id", tab.id))
	return tab, nil
}

// Tabs returns the number of open tabs.
func (m *Manager) Tabs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs)
}

// Shutdown closes every tab and releases the allocator. It waits for open
// tabs until ctx is done, then tears down regardless.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tabsToClose := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabsToClose = append(tabsToClose, t)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("tabs", len(tabsToClose)))
	for _, t := range tabsToClose {
		go t.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		m.logger.Debug("All tabs closed gracefully.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for tabs to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
		err = fmt.Errorf("browser manager shutdown: %w", ctx.Err())
	}

	m.cancelAlloc()
	return err
}

// ShutdownWithGrace is Shutdown bounded by the default grace period.
func (m *Manager) ShutdownWithGrace() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	return m.Shutdown(ctx)
}
