package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// challengeXPath matches the markers of a Cloudflare interstitial: the Turnstile frame and its
// hidden response field.
const challengeXPath = `.//iframe[contains(@src, 'challenges.cloudflare.com')] | .//input[@name='cf-turnstile-response']`

const (
	defaultChallengeTimeout = 30 * time.Second
	challengePollInterval   = 500 * time.Millisecond
)

// waitForChallenge waits for a Cloudflare interstitial to clear, clicking its widget once.
// It is best effort: a page that never clears is left for login to fail on.
func (s *Session) waitForChallenge(ctx context.Context) {
	timeout := s.browser.CFBypassTimeout
	if timeout <= 0 {
		timeout = defaultChallengeTimeout
	}
	deadline := s.clock.Now().Add(timeout)
	clicked := false

	for {
		present, err := s.challengePresent(ctx)
		if err != nil {
			s.logger.Debug("Could not inspect the page for a challenge.", zap.Error(err))
			return
		}
		if !present {
			if clicked {
				s.logger.Info("Cloudflare challenge cleared.")
			}
			return
		}

		if !clicked {
			s.logger.Info("Cloudflare challenge detected, attempting to pass it.")
			if err := s.clickSelector(ctx, s.sel.Interaction.ChallengeWidget); err != nil {
				s.logger.Debug("Could not click the challenge widget.", zap.Error(err))
			}
			clicked = true
		}

		if !s.clock.Now().Before(deadline) {
			s.logger.Warn("Cloudflare challenge did not clear in time.", zap.Duration("timeout", timeout))
			return
		}
		if s.sleep(ctx, challengePollInterval) != nil {
			return
		}
	}
}

func (s *Session) challengePresent(ctx context.Context) (bool, error) {
	body, err := s.page.FindOne(ctx, "body")
	if err != nil {
		return false, err
	}
	return body.HasXPath(challengeXPath)
}
