// File: cmd/runtime_test.go
package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ctxKey string

func TestShutdownContext_SurvivesCanceledCommand(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.WithValue(context.Background(), ctxKey("run"), "r-1"))
	cancelParent()

	ctx, cancel := shutdownContext(parent)
	defer cancel()

	require.NoError(t, ctx.Err(), "shutdown must not inherit the command's cancellation")
	assert.Equal(t, "r-1", ctx.Value(ctxKey("run")))

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(shutdownTimeout), deadline, time.Second)

	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestChatComponentsShutdown_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &chatComponents{log: zap.NewNop()}
	assert.NotPanics(t, func() { c.Shutdown(ctx) })
}
