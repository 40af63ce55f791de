package upload

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_PreservesOrderAndReportsEachItem(t *testing.T) {
	boom := errors.New("boom")
	results := Run(context.Background(), 6, 2, func(_ context.Context, i int) (string, error) {
		// later items finish first
		time.Sleep(time.Duration(6-i) * time.Millisecond)
		if i == 3 {
			return "", boom
		}
		return fmt.Sprintf("photo-%d", i), nil
	})
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
	assert.Equal(t, []string{"photo-0", "photo-1", "photo-2", "photo-4", "photo-5"}, Values(results))
	failed := Failed(results)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Index)
	assert.ErrorIs(t, Err(results), boom)
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	Run(context.Background(), 20, 3, func(_ context.Context, _ int) (struct{}, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return struct{}{}, nil
	})
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Positive(t, atomic.LoadInt32(&peak))
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls int32
	results := Run(ctx, 4, 0, func(_ context.Context, _ int) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 1, nil
	})
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Len(t, Failed(results), 4)
	assert.ErrorIs(t, Err(results), context.Canceled)
	assert.Nil(t, Err(Run(context.Background(), 0, 1, func(context.Context, int) (int, error) { return 0, nil })))
}
