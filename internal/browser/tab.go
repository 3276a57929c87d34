// internal/browser/tab.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deeperseek/internal/browser/dom"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when no element matches a selector.
var ErrNotFound = dom.ErrNotFound

// ErrTabClosed is returned by operations on a closed tab.
var ErrTabClosed = errors.New("tab is closed")

const defaultNavigationTimeout = 60 * time.Second

// Tab is one browser tab. Every operation runs under both the tab's lifetime and the caller's
// context.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	navigationTimeout time.Duration

	onClose   func()
	closeOnce sync.Once
}

func newTab(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger, navTimeout time.Duration, onClose func()) *Tab {
	if navTimeout <= 0 {
		navTimeout = defaultNavigationTimeout
	}
	return &Tab{
		ctx:               ctx,
		cancel:            cancel,
		logger:            logger,
		navigationTimeout: navTimeout,
		onClose:           onClose,
	}
}

// Close closes the tab. It is safe to call more than once.
func (t *Tab) Close() error {
	t.closeOnce.Do(func() {
		t.logger.Debug("Closing tab.")
		t.cancel()
		if t.onClose != nil {
			t.onClose()
		}
	})
	return nil
}

// runActions executes chromedp actions bounded by both the tab lifetime and ctx.
func (t *Tab) runActions(ctx context.Context, actions ...chromedp.Action) error {
	if t.ctx.Err() != nil {
		return ErrTabClosed
	}
	runCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// Evaluate runs a script in the page, awaiting a returned promise, and decodes the result into
// res. A nil res discards the result.
func (t *Tab) Evaluate(ctx context.Context, script string, res interface{}) error {
	opts := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true)
	}
	if res == nil {
		if err := t.runActions(ctx, chromedp.Evaluate(script, nil, opts)); err != nil {
			return fmt.Errorf("script evaluation failed: %w", err)
		}
		return nil
	}

	var raw []byte
	if err := t.runActions(ctx, chromedp.Evaluate(script, &raw, opts)); err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	// null leaves res untouched.
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return fmt.Errorf("failed to decode script result: %w", err)
	}
	return nil
}

// jsonEncode renders v as a JavaScript literal.
func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
