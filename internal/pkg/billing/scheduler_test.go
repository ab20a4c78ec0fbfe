package billing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSchedulerDedupes(t *testing.T) {
	s := NewLocalScheduler(time.Second)
	defer s.Stop()

	var runs int32
	done := make(chan struct{}, 4)
	s.Bind(func(ctx context.Context, invoiceID string) error {
		atomic.AddInt32(&runs, 1)
		done <- struct{}{}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, s.ScheduleTaxRecheck(ctx, "in_1", 50*time.Millisecond))
	require.NoError(t, s.ScheduleTaxRecheck(ctx, "in_1", 50*time.Millisecond))
	require.NoError(t, s.ScheduleTaxRecheck(ctx, "in_2", 50*time.Millisecond))
	assert.Equal(t, 2, s.Pending())

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("re-check did not run")
		}
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestLocalSchedulerRequiresBinding(t *testing.T) {
	s := NewLocalScheduler(0)
	assert.Error(t, s.ScheduleTaxRecheck(context.Background(), "in_1", time.Second))
}
