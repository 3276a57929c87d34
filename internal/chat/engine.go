// Package chat waits for a streamed chat response to finish rendering and scrapes it into a
// structured Response.
package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deeperseek/internal/browser/dom"
	"github.com/xkilldash9x/deeperseek/internal/selectors"
)

// DefaultBusySentinel is the text the service renders instead of an answer when overloaded.
const DefaultBusySentinel = "The server is busy. Please try again later."

// DefaultPollInterval paces every wait loop in the engine.
const DefaultPollInterval = 100 * time.Millisecond

// Locator finds and activates elements in the live page.
type Locator interface {
	// FindOne returns the first match or an error wrapping dom.ErrNotFound.
	FindOne(ctx context.Context, selector string) (*dom.Element, error)
	// FindAll returns every match in document order. No match is not an error.
	FindAll(ctx context.Context, selector string) ([]*dom.Element, error)
	Click(ctx context.Context, el *dom.Element) error
}

// Flattener renders an HTML fragment as plain text.
type Flattener interface {
	FlattenToText(fragment string) (string, error)
}

// Config tunes the engine. Zero fields fall back to defaults.
type Config struct {
	PollInterval time.Duration
	BusySentinel string
	Clock        Clock
}

// Engine runs the wait-and-extract protocol for one browser tab. It assumes exclusive use of
// the tab for the duration of a call.
type Engine struct {
	loc    Locator
	flat   Flattener
	sel    selectors.Registry
	logger *zap.Logger
	clock  Clock

	pollInterval time.Duration
	busySentinel string
}

// NewEngine wires an engine to a page.
func NewEngine(loc Locator, flat Flattener, reg selectors.Registry, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		loc:          loc,
		flat:         flat,
		sel:          reg,
		logger:       logger.Named("chat"),
		clock:        cfg.Clock,
		pollInterval: cfg.PollInterval,
		busySentinel: cfg.BusySentinel,
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	if e.busySentinel == "" {
		e.busySentinel = DefaultBusySentinel
	}
	return e
}

// Clock returns the engine's time source so callers can compute deadlines against it.
func (e *Engine) Clock() Clock { return e.clock }

// AwaitTurnResult waits for the turn that was just triggered to finish and extracts it.
//
// The phases run strictly in order: generation started, generation completed, toolbar ready
// (regeneration only) and extraction. All of them share deadline. If any phase misses it the
// call returns (nil, nil): no answer yet, which is not an error. ErrServerOverloaded and the
// malformed-markup errors are returned as errors, as is cancellation of ctx.
func (e *Engine) AwaitTurnResult(ctx context.Context, deadline time.Time, regenerate bool, modes ModeFlags, conversationID string) (*Response, error) {
	log := e.logger.With(zap.Bool("regenerate", regenerate), zap.Bool("reasoning", modes.Reasoning), zap.Bool("search", modes.Search))

	// Without this phase a fast completion poll could pick up the previous turn's markup.
	indicator := e.sel.Backend.ResponseGenerating
	if regenerate {
		indicator = e.sel.Backend.RegenLoadingIcon
	}
	log.Debug("Waiting for the response to start generating.")
	started, err := e.poll(ctx, deadline, "generation_started", func(ctx context.Context) (bool, error) {
		if _, err := e.loc.FindOne(ctx, indicator); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil || !started {
		return nil, err
	}

	log.Debug("Waiting for the response to finish generating.")
	var responses []*dom.Element
	completed, err := e.poll(ctx, deadline, "generation_completed", func(ctx context.Context) (bool, error) {
		found, err := e.loc.FindAll(ctx, e.sel.Backend.ResponseGenerated)
		if err != nil {
			return false, err
		}
		responses = found
		return len(found) > 0, nil
	})
	if err != nil || !completed {
		return nil, err
	}

	if regenerate {
		log.Debug("Waiting for the response toolbar to appear.")
		ready, err := e.poll(ctx, deadline, "toolbar_ready", func(ctx context.Context) (bool, error) {
			// The collection is rebuilt by the page while the toolbar renders, so query it fresh.
			found, err := e.loc.FindAll(ctx, e.sel.Backend.ResponseGenerated)
			if err != nil || len(found) == 0 {
				return false, err
			}
			if !found[len(found)-1].Has(e.sel.Interaction.ResponseToolbar) {
				return false, nil
			}
			responses = found
			return true, nil
		})
		if err != nil || !ready {
			return nil, err
		}
	}

	resp, err := e.extract(ctx, deadline, responses[len(responses)-1], modes)
	if err != nil || resp == nil {
		return nil, err
	}
	resp.ConversationID = conversationID
	log.Debug("Response extracted.", zap.Int("text_length", len(resp.Text)), zap.Int("search_results", len(resp.SearchResults)))
	return resp, nil
}

// probe is one attempt of a wait phase. Errors count as "not yet".
type probe func(ctx context.Context) (bool, error)

// poll retries p until it succeeds or the deadline passes, yielding between attempts.
// It returns an error only when ctx ends.
func (e *Engine) poll(ctx context.Context, deadline time.Time, phase string, p probe) (bool, error) {
	attempts := 0
	for {
		now := e.clock.Now()
		if !now.Before(deadline) {
			e.logger.Debug("Deadline reached while waiting.", zap.String("phase", phase), zap.Int("attempts", attempts))
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}

		attempts++
		probeCtx, cancel := context.WithTimeout(ctx, deadline.Sub(now))
		done, err := p(probeCtx)
		cancel()
		if done {
			return true, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if attempts == 1 {
				e.logger.Debug("Probe not satisfied yet.", zap.String("phase", phase), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-e.clock.After(e.pollInterval):
		}
	}
}
