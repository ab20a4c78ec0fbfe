package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.handlers)
			assert.False(t, queue.running)
		})
	}
}

func TestRegisterHandlerReplaces(t *testing.T) {
	q := NewQueue(nil, 1)
	assert.Nil(t, q.handler(JobTypeTaxRecheck))

	calls := 0
	q.RegisterHandler(JobTypeTaxRecheck, func(context.Context, *Job) error { calls = 1; return nil })
	q.RegisterHandler(JobTypeTaxRecheck, func(context.Context, *Job) error { calls = 2; return nil })

	require.NoError(t, q.handler(JobTypeTaxRecheck)(context.Background(), &Job{}))
	assert.Equal(t, 2, calls)
}

func TestRunHandlerRecoversPanic(t *testing.T) {
	err := runHandler(context.Background(), func(context.Context, *Job) error { panic("boom") }, &Job{ID: "j-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestEnqueueDelayedIsIdempotentPerID(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, 1)
	ctx := context.Background()

	payload := TaxRecheckJobPayload{InvoiceID: "in_1", DelaySeconds: 15}.ToMap()
	job, created, err := q.EnqueueDelayed(ctx, "tax_recheck:in_1:15", JobTypeTaxRecheck, payload, 15*time.Second)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, job)
	assert.Equal(t, JobStatusScheduled, job.Status)

	_, created, err = q.EnqueueDelayed(ctx, "tax_recheck:in_1:15", JobTypeTaxRecheck, payload, 15*time.Second)
	require.NoError(t, err)
	assert.False(t, created)

	size, err := q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestPromoteDueMovesOnlyDueJobs(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, 1)
	ctx := context.Background()

	_, _, err := q.EnqueueDelayed(ctx, "soon", JobTypeTaxRecheck, nil, 10*time.Second)
	require.NoError(t, err)
	_, _, err = q.EnqueueDelayed(ctx, "later", JobTypeTaxRecheck, nil, time.Hour)
	require.NoError(t, err)

	n, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.PromoteDue(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := client.LRange(ctx, JobQueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"soon"}, pending)

	delayed, err := q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestProcessJobCompletesAndKeepsRecord(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, 1)
	ctx := context.Background()

	var seen string
	RegisterTaxRecheck(q, func(_ context.Context, invoiceID string) error {
		seen = invoiceID
		return nil
	}, time.Second)

	job, _, err := q.EnqueueDelayed(ctx, TaxRecheckJobID("in_1", 0), JobTypeTaxRecheck,
		TaxRecheckJobPayload{InvoiceID: "in_1"}.ToMap(), 0)
	require.NoError(t, err)

	q.ProcessJob(ctx, job)
	assert.Equal(t, "in_1", seen)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, stored.Status)

	// A completed id still blocks rescheduling.
	_, created, err := q.EnqueueDelayed(ctx, job.ID, JobTypeTaxRecheck, nil, 0)
	require.NoError(t, err)
	assert.False(t, created)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
}

func TestProcessJobSchedulesRetry(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, 1)
	ctx := context.Background()

	q.RegisterHandler(JobTypeTaxRecheck, func(context.Context, *Job) error { return errors.New("gateway down") })

	job, err := q.EnqueueJob(ctx, JobTypeTaxRecheck, TaxRecheckJobPayload{InvoiceID: "in_1"}.ToMap())
	require.NoError(t, err)
	q.ProcessJob(ctx, job)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	score, err := client.ZScore(ctx, JobDelayedKey, job.ID).Result()
	require.NoError(t, err)
	assert.Greater(t, score, float64(time.Now().UnixMilli()))
}

func TestProcessJobWithoutHandlerFailsPermanently(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, 1)
	ctx := context.Background()

	job, err := q.EnqueueJob(ctx, JobType("unknown"), nil)
	require.NoError(t, err)
	q.ProcessJob(ctx, job)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)

	_, err = client.ZScore(ctx, JobDelayedKey, job.ID).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestRecoverStuckRequeues(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, 1)
	ctx := context.Background()

	job, err := q.EnqueueJob(ctx, JobTypeTaxRecheck, nil)
	require.NoError(t, err)
	dequeued, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	dequeued.MarkAsProcessing()
	q.updateJob(ctx, dequeued)

	n, err := q.RecoverStuck(ctx, time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.RecoverStuck(ctx, time.Minute, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), processing)
	pending, err := client.LRange(ctx, JobQueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, pending)
}

func TestQueueRunsScheduledRecheckEndToEnd(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, 2)
	q.pollInterval = 50 * time.Millisecond

	done := make(chan string, 1)
	RegisterTaxRecheck(q, func(_ context.Context, invoiceID string) error {
		done <- invoiceID
		return nil
	}, time.Second)

	q.Start()
	defer q.Stop()

	sched := NewTaxRecheckScheduler(q)
	require.NoError(t, sched.ScheduleTaxRecheck(context.Background(), "in_9", 100*time.Millisecond))

	select {
	case got := <-done:
		assert.Equal(t, "in_9", got)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled re-check did not run")
	}
}

func TestStatsReportsDepthAndCounters(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, 1)
	ctx := context.Background()

	_, err := q.EnqueueJob(ctx, JobTypeTaxRecheck, TaxRecheckJobPayload{InvoiceID: "in_1"}.ToMap())
	require.NoError(t, err)
	_, _, err = q.EnqueueDelayed(ctx, "recheck-in_2", JobTypeTaxRecheck, nil, time.Hour)
	require.NoError(t, err)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Pending)
	assert.Equal(t, int64(0), st.Processing)
	assert.Equal(t, int64(1), st.Delayed)
	assert.Equal(t, int64(1), st.ByStatus[JobStatusPending])
	assert.Equal(t, int64(1), st.ByStatus[JobStatusScheduled])
}

func TestEnqueueTaxRecheckQueuesImmediateJob(t *testing.T) {
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, 1)
	ctx := context.Background()

	_, err := EnqueueTaxRecheck(ctx, q, "")
	assert.Error(t, err)

	job, err := EnqueueTaxRecheck(ctx, q, "in_9")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)

	pending, err := client.LRange(ctx, JobQueueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, pending)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	payload, err := TaxRecheckJobPayloadFromMap(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, "in_9", payload.InvoiceID)
}
