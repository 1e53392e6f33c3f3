package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oracle-consensus/internal/retention"
)

type countingHealth struct{ runs atomic.Int32 }

func (c *countingHealth) RunHealthCycle(context.Context) error {
	c.runs.Add(1)
	return nil
}

type countingCleanup struct {
	runs atomic.Int32
	err  error
}

func (c *countingCleanup) RunCleanupCycle(context.Context) (retention.Report, error) {
	c.runs.Add(1)
	return retention.Report{}, c.err
}

func TestRuntimeDrivesBothCycles(t *testing.T) {
	health := &countingHealth{}
	cleanup := &countingCleanup{err: errors.New("tx aborted")}
	rt := New(Options{HealthInterval: 5 * time.Millisecond, CleanupInterval: 5 * time.Millisecond}, health, cleanup, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := rt.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, health.runs.Load(), int32(2))
	assert.GreaterOrEqual(t, cleanup.runs.Load(), int32(2), "cleanup errors do not stop the trigger")
}

func TestRuntimeRejectsBadInterval(t *testing.T) {
	rt := New(Options{}, &countingHealth{}, nil, zerolog.Nop())
	require.Error(t, rt.Run(context.Background()))
}
