package session

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/xkilldash9x/deeperseek/internal/browser/dom"
)

// typeSlowly inserts text one character at a time, at most one per slow mode delay.
func (s *Session) typeSlowly(ctx context.Context, el *dom.Element, text string) error {
	limit := rate.Inf
	if s.chatCfg.SlowModeDelay > 0 {
		limit = rate.Every(s.chatCfg.SlowModeDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	for _, r := range text {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.page.TypeText(ctx, el, string(r)); err != nil {
			return err
		}
	}
	return nil
}
