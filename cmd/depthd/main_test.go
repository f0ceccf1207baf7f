package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStartVenues_FailureStopsStartedVenues(t *testing.T) {
	d := &daemon{log: zap.NewNop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stopped, skipped, after atomic.Bool
	errDial := errors.New("dial refused")
	err := d.startVenues(ctx, cancel, []venue{
		{enabled: true, start: func(ctx context.Context) error {
			d.goRun(func() {
				<-ctx.Done()
				stopped.Store(true)
			})
			return nil
		}},
		{enabled: false, start: func(context.Context) error {
			skipped.Store(true)
			return nil
		}},
		{enabled: true, start: func(context.Context) error { return errDial }},
		{enabled: true, start: func(context.Context) error {
			after.Store(true)
			return nil
		}},
	})

	require.ErrorIs(t, err, errDial)
	assert.True(t, stopped.Load(), "earlier venue goroutines joined before returning")
	assert.Error(t, ctx.Err())
	assert.False(t, skipped.Load(), "disabled venue not started")
	assert.False(t, after.Load(), "venues after the failure not started")
}

func TestStartVenues_AllStarted(t *testing.T) {
	d := &daemon{log: zap.NewNop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started atomic.Int32
	start := func(context.Context) error {
		started.Add(1)
		return nil
	}
	require.NoError(t, d.startVenues(ctx, cancel, []venue{
		{enabled: true, start: start},
		{enabled: true, start: start},
	}))
	assert.Equal(t, int32(2), started.Load())
	assert.NoError(t, ctx.Err())
}
