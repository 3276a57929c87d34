// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deeperseek/internal/browser/stealth"
	"github.com/xkilldash9x/deeperseek/internal/config"
)

const shutdownGracePeriod = 10 * time.Second

// Manager owns the Chrome process. Tabs are derived from its browser context.
type Manager struct {
	logger  *zap.Logger
	cfg     config.BrowserConfig
	persona stealth.Persona

	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	// wg tracks open tabs for a graceful shutdown.
	wg sync.WaitGroup
}

// NewManager launches Chrome and verifies it responds.
func NewManager(ctx context.Context, logger *zap.Logger, cfg config.BrowserConfig) (*Manager, error) {
	m := &Manager{
		logger:  logger.Named("browser_manager"),
		cfg:     cfg,
		persona: stealth.DefaultPersona,
	}
	if err := m.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

func (m *Manager) launchBrowser(ctx context.Context) error {
	opts, err := m.buildAllocatorOptions()
	if err != nil {
		return err
	}

	m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Headless))
	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, opts...)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx)

	// The first Run allocates the browser and binds its lifetime to browserCtx, so it must not
	// carry a timeout. The launch timeout is enforced by WSURLReadTimeout.
	if err := chromedp.Run(m.browserCtx); err != nil {
		m.cancel()
		return fmt.Errorf("browser failed to start: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(m.browserCtx, m.cfg.LaunchTimeout)
	defer cancel()
	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		m.cancel()
		return fmt.Errorf("browser failed to respond: %w", err)
	}

	m.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// flag is one Chrome command line switch.
type flag struct {
	Name  string
	Value interface{}
}

// allocatorFlags lists the switches layered on top of chromedp's defaults.
func allocatorFlags(cfg config.BrowserConfig, goos string) []flag {
	flags := []flag{
		{"headless", cfg.Headless},
		{"disable-gpu", cfg.Headless},
		// Hides navigator.webdriver from the Blink side.
		{"disable-blink-features", "AutomationControlled"},
		{"disable-extensions", true},
	}

	if goos == "linux" {
		flags = append(flags,
			flag{"no-sandbox", true},
			flag{"disable-dev-shm-usage", true},
			flag{"disable-setuid-sandbox", true},
		)
	}

	for _, arg := range cfg.Args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimLeft(parts[0], "-")
		if len(parts) == 2 {
			flags = append(flags, flag{name, parts[1]})
		} else {
			flags = append(flags, flag{name, true})
		}
	}
	return flags
}

func (m *Manager) buildAllocatorOptions() ([]chromedp.ExecAllocatorOption, error) {
	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		opts = append(opts, opt)
	}
	// Dropping the default --enable-automation removes the infobar and one detection signal.
	opts = append(opts, chromedp.Flag("enable-automation", false))

	for _, f := range allocatorFlags(m.cfg, runtime.GOOS) {
		opts = append(opts, chromedp.Flag(f.Name, f.Value))
	}
	if m.cfg.Stealth {
		opts = append(opts, chromedp.UserAgent(m.persona.UserAgent))
	}
	if m.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.ExecPath))
	}
	if m.cfg.UserDataDir != "" {
		dir, err := homedir.Expand(m.cfg.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to expand user data dir %q: %w", m.cfg.UserDataDir, err)
		}
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	if m.cfg.LaunchTimeout > 0 {
		opts = append(opts, chromedp.WSURLReadTimeout(m.cfg.LaunchTimeout))
	}
	return opts, nil
}

// NewTab opens a new tab in the managed browser and applies the stealth persona.
func (m *Manager) NewTab(ctx context.Context) (*Tab, error) {
	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open tab: %w", err)
	}

	id := uuid.NewString()
	m.wg.Add(1)
	tab := newTab(tabCtx, cancel, m.logger.Named("tab").With(zap.String("tab_id", id)), m.cfg.NavigationTimeout, m.wg.Done)

	if m.cfg.Stealth {
		if err := tab.runActions(ctx, stealth.Apply(m.persona, tab.logger)); err != nil {
			_ = tab.Close()
			return nil, fmt.Errorf("failed to apply stealth persona: %w", err)
		}
	}
	m.logger.Debug("Tab opened.", zap.String("tab_id", id))
	return tab, nil
}

// Shutdown waits for open tabs to close, bounded by ctx, then terminates Chrome.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated.")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	m.cancel()
	select {
	case <-m.allocatorCtx.Done():
	case <-time.After(shutdownGracePeriod):
		return fmt.Errorf("browser did not exit within %s", shutdownGracePeriod)
	}
	return nil
}

func (m *Manager) cancel() {
	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocatorCancel != nil {
		m.allocatorCancel()
	}
}
