// internal/browser/interaction.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deeperseek/internal/browser/dom"
)

const selectorPollInterval = 100 * time.Millisecond

// Navigate loads url and waits for the load event, bounded by the navigation timeout.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	t.logger.Debug("Navigating to URL", zap.String("url", url))

	navCtx, cancel := context.WithTimeout(ctx, t.navigationTimeout)
	defer cancel()

	if err := t.runActions(navCtx, chromedp.Navigate(url)); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("navigation canceled: %w", ctx.Err())
		}
		if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("navigation timed out after %s: %w", t.navigationTimeout, err)
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// Reload reloads the current page.
func (t *Tab) Reload(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, t.navigationTimeout)
	defer cancel()

	if err := t.runActions(navCtx, chromedp.Reload()); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	return nil
}

// CurrentURL returns the tab's location.
func (t *Tab) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := t.runActions(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return loc, nil
}

// FindAll returns a snapshot of every element currently matching selector, in document order.
func (t *Tab) FindAll(ctx context.Context, selector string) ([]*dom.Element, error) {
	script := fmt.Sprintf(
		`Array.from(document.querySelectorAll(%s), el => el.outerHTML)`,
		jsonEncode(selector),
	)
	var fragments []string
	if err := t.Evaluate(ctx, script, &fragments); err != nil {
		return nil, err
	}

	elements := make([]*dom.Element, 0, len(fragments))
	for i, fragment := range fragments {
		el, err := dom.Parse(selector, i, fragment)
		if err != nil {
			return nil, fmt.Errorf("failed to parse match %d of %q: %w", i, selector, err)
		}
		elements = append(elements, el)
	}
	return elements, nil
}

// FindOne returns the first element matching selector, or ErrNotFound.
func (t *Tab) FindOne(ctx context.Context, selector string) (*dom.Element, error) {
	elements, err := t.FindAll(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return elements[0], nil
}

// WaitForSelector polls until selector matches or the timeout elapses.
func (t *Tab) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (*dom.Element, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(selectorPollInterval)
	defer ticker.Stop()

	for {
		el, err := t.FindOne(waitCtx, selector)
		if err == nil {
			return el, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s (waited %s)", ErrNotFound, selector, timeout)
		case <-ticker.C:
		}
	}
}

type clickTarget struct {
	Found bool    `json:"found"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	W     float64 `json:"w"`
	H     float64 `json:"h"`
}

// Click resolves el in the live document and dispatches a real mouse click at its center.
// Elements without a layout box are clicked through the DOM instead.
func (t *Tab) Click(ctx context.Context, el *dom.Element) error {
	resolve := dom.ResolveScript(el.Origin())
	script := fmt.Sprintf(`(() => {
		const el = %s;
		if (!el) return {found: false};
		el.scrollIntoView({block: 'center', inline: 'center'});
		const r = el.getBoundingClientRect();
		return {found: true, x: r.left + r.width / 2, y: r.top + r.height / 2, w: r.width, h: r.height};
	})()`, resolve)

	var target clickTarget
	if err := t.Evaluate(ctx, script, &target); err != nil {
		return fmt.Errorf("click on %s failed: %w", el.Origin(), err)
	}
	if !target.Found {
		return fmt.Errorf("%w: %s", ErrNotFound, el.Origin())
	}

	if target.W > 0 && target.H > 0 {
		if err := t.runActions(ctx, chromedp.MouseClickXY(target.X, target.Y)); err != nil {
			return fmt.Errorf("click on %s failed: %w", el.Origin(), err)
		}
		return nil
	}

	t.logger.Debug("Element has no layout box, clicking through the DOM.", zap.Stringer("origin", el.Origin()))
	var clicked bool
	fallback := fmt.Sprintf(`(() => { const el = %s; if (!el) return false; el.click(); return true; })()`, resolve)
	if err := t.Evaluate(ctx, fallback, &clicked); err != nil {
		return fmt.Errorf("click on %s failed: %w", el.Origin(), err)
	}
	if !clicked {
		return fmt.Errorf("%w: %s", ErrNotFound, el.Origin())
	}
	return nil
}

// Focus moves keyboard focus to el.
func (t *Tab) Focus(ctx context.Context, el *dom.Element) error {
	script := fmt.Sprintf(`(() => { const el = %s; if (!el) return false; el.focus(); return true; })()`,
		dom.ResolveScript(el.Origin()))
	var ok bool
	if err := t.Evaluate(ctx, script, &ok); err != nil {
		return fmt.Errorf("focus on %s failed: %w", el.Origin(), err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, el.Origin())
	}
	return nil
}

// TypeText focuses el and inserts text as a single input event. Newlines are inserted
// literally rather than pressed as Enter.
func (t *Tab) TypeText(ctx context.Context, el *dom.Element, text string) error {
	if err := t.Focus(ctx, el); err != nil {
		return err
	}
	if err := t.runActions(ctx, input.InsertText(text)); err != nil {
		return fmt.Errorf("typing into %s failed: %w", el.Origin(), err)
	}
	return nil
}

// PressEnter sends an Enter key press to the focused element.
func (t *Tab) PressEnter(ctx context.Context) error {
	if err := t.runActions(ctx, chromedp.KeyEvent(kb.Enter)); err != nil {
		return fmt.Errorf("key press failed: %w", err)
	}
	return nil
}

// SetLocalStorage stores value under key in the page's localStorage.
func (t *Tab) SetLocalStorage(ctx context.Context, key, value string) error {
	script := fmt.Sprintf(`localStorage.setItem(%s, %s)`, jsonEncode(key), jsonEncode(value))
	return t.Evaluate(ctx, script, nil)
}

// GetLocalStorage reads key from localStorage. The boolean is false when the key is absent.
func (t *Tab) GetLocalStorage(ctx context.Context, key string) (string, bool, error) {
	var value *string
	script := fmt.Sprintf(`localStorage.getItem(%s)`, jsonEncode(key))
	if err := t.Evaluate(ctx, script, &value); err != nil {
		return "", false, err
	}
	if value == nil {
		return "", false, nil
	}
	return *value, true, nil
}

// RemoveLocalStorage deletes key from localStorage.
func (t *Tab) RemoveLocalStorage(ctx context.Context, key string) error {
	script := fmt.Sprintf(`localStorage.removeItem(%s)`, jsonEncode(key))
	return t.Evaluate(ctx, script, nil)
}
