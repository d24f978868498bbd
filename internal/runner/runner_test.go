package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunAllKeepsOrderAndDropsFailures(t *testing.T) {
	jobs := []int{1, 2, 3, 4, 5, 6}
	boom := errors.New("boom")

	results, failures := RunAll(context.Background(), jobs, Options[int]{
		Workers:  3,
		Describe: func(j int) []any { return []any{"job", j} },
	}, func(_ context.Context, j int) (int, error) {
		// Finish out of order.
		time.Sleep(time.Duration(7-j) * time.Millisecond)
		if j == 4 {
			return 0, boom
		}
		return j * 10, nil
	})

	assert.Equal(t, []int{10, 20, 30, 50, 60}, results)
	if assert.Len(t, failures, 1) {
		assert.Equal(t, 4, failures[0].Job)
		assert.ErrorIs(t, failures[0].Err, boom)
	}
}

func TestRunAllRespectsWorkerLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	jobs := make([]int, 20)

	RunAll(context.Background(), jobs, Options[int]{Workers: 4}, func(context.Context, int) (struct{}, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}, nil
	})

	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestRunAllEmpty(t *testing.T) {
	results, failures := RunAll(context.Background(), nil, Options[string]{}, func(context.Context, string) (int, error) {
		t.Fatal("fn called for empty job list")
		return 0, nil
	})
	assert.Empty(t, results)
	assert.Empty(t, failures)
}
