package session

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger routes the scheduler's own messages into zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// StartKeepAlive pokes the page at the configured interval so an idle tab is not discarded.
// A tick that finds a turn in flight is skipped. A zero interval disables it.
func (s *Session) StartKeepAlive() error {
	interval := s.chatCfg.KeepAliveInterval
	if interval <= 0 {
		return nil
	}
	if s.keepAlive != nil {
		return fmt.Errorf("keep-alive already running")
	}

	logger := cronLogger{sugar: s.logger.Named("keep_alive").Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(interval), cron.FuncJob(s.keepAliveTick))
	c.Start()
	s.keepAlive = c

	s.logger.Debug("Keep-alive started.", zap.Duration("interval", interval))
	return nil
}

// keepAliveTick evaluates a harmless expression. It never navigates or reloads.
func (s *Session) keepAliveTick() {
	if !s.sem.TryAcquire(1) {
		s.logger.Debug("Keep-alive skipped, page is busy.")
		return
	}
	defer s.sem.Release(1)

	if !s.isOpen() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), keepAliveTimeout)
	defer cancel()

	var state string
	if err := s.page.Evaluate(ctx, "document.visibilityState", &state); err != nil {
		s.logger.Warn("Keep-alive ping failed.", zap.Error(err))
		return
	}
	s.logger.Debug("Keep-alive ping.", zap.String("visibility", state))
}

// Close stops the keep-alive scheduler, waiting for a running tick to finish or ctx to end.
func (s *Session) Close(ctx context.Context) error {
	if s.keepAlive == nil {
		return nil
	}
	stopped := s.keepAlive.Stop()
	s.keepAlive = nil

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
