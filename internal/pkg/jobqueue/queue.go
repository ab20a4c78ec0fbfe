package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis layout: one string per job record, a pending list, a processing list,
// a sorted set of delayed ids scored by run time in unix millis, and a hash of
// per-status counters.
const (
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobDelayedKey    = "job_delayed"
	JobStatsKey      = "job_stats"

	DefaultMaxRetries = 3
	// JobTTL bounds how long a finished record blocks its id.
	JobTTL = 24 * time.Hour

	defaultWorkers = 3
	promoteBatch   = 100
)

// Handler runs one job. A returned error fails the attempt.
type Handler func(ctx context.Context, job *Job) error

// ErrNoHandler is recorded on jobs whose type has no registered handler.
var ErrNoHandler = errors.New("no handler registered for job type")

// promoteScript moves due members of the delayed set onto the pending list in
// one step, so concurrent promoters never push a job twice.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// Queue runs typed jobs from redis on a fixed pool of workers.
type Queue struct {
	client       *redis.Client
	workers      int
	workerPool   chan struct{}
	handlers     map[JobType]Handler
	handlersMu   sync.RWMutex
	pollInterval time.Duration
	stuckAfter   time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

// NewQueue returns a stopped queue. workers below one falls back to three.
func NewQueue(client *redis.Client, workers int) *Queue {
	if workers < 1 {
		workers = defaultWorkers
	}
	q := &Queue{
		client:       client,
		workers:      workers,
		handlers:     make(map[JobType]Handler),
		pollInterval: time.Second,
		stuckAfter:   10 * time.Minute,
		stopCh:       make(chan struct{}),
	}
	q.workerPool = make(chan struct{}, workers)
	return q
}

// RegisterHandler sets the handler for a job type, replacing any earlier one.
func (q *Queue) RegisterHandler(jobType JobType, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType JobType) Handler {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	return q.handlers[jobType]
}

// Start launches the workers, the delayed-job promoter and the stuck sweeper.
// Calling it on a running queue does nothing.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}

	q.running = true
	q.stopCh = make(chan struct{})
	q.workerPool = make(chan struct{}, q.workers)
	for len(q.workerPool) < q.workers {
		q.workerPool <- struct{}{}
	}

	log.Infof("[JobQueue] Launching %d workers", q.workers)
	q.spawn(q.promoter)
	q.spawn(q.stuckSweeper)
	for n := 0; n < q.workers; n++ {
		id := n
		q.spawn(func() { q.worker(id) })
	}
}

func (q *Queue) spawn(fn func()) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		fn()
	}()
}

// Stop signals every goroutine and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}

	log.Info("[JobQueue] Shutting down")
	close(q.stopCh)
	q.wg.Wait()
	q.running = false
	log.Info("[JobQueue] Shut down")
}

// every calls fn on each tick of interval until the queue stops.
func (q *Queue) every(interval time.Duration, fn func(ctx context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-t.C:
			fn(context.Background())
		}
	}
}

func (q *Queue) promoter() {
	q.every(q.pollInterval, func(ctx context.Context) {
		if _, err := q.PromoteDue(ctx, time.Now()); err != nil {
			log.Errorf("[JobQueue] Promoting delayed jobs: %v", err)
		}
	})
}

// PromoteDue moves every delayed job due at now onto the pending list and
// returns how many were moved.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	keys := []string{JobDelayedKey, JobQueueKey}
	moved := 0
	for {
		n, err := promoteScript.Run(ctx, q.client, keys, cutoff, promoteBatch).Int()
		moved += n
		if err != nil || n < promoteBatch {
			return moved, err
		}
	}
}

func (q *Queue) stuckSweeper() {
	log.Debugf("[JobQueue] Sweeping jobs processing longer than %s", q.stuckAfter)
	q.every(time.Minute, func(ctx context.Context) {
		n, err := q.RecoverStuck(ctx, q.stuckAfter, time.Now())
		switch {
		case err != nil:
			log.Errorf("[JobQueue] Sweeping processing list: %v", err)
		case n > 0:
			log.Warnf("[JobQueue] Put %d stalled jobs back on the queue", n)
		}
	})
}

// RecoverStuck requeues jobs that have been processing for longer than maxAge
// and drops stray entries from the processing list.
func (q *Queue) RecoverStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil && !errors.Is(err, redis.Nil) {
			log.Errorf("[JobQueue] Reading job %s while sweeping: %v", id, err)
		}
		if err != nil || job.Status != JobStatusProcessing {
			q.removeFromProcessing(ctx, id)
			continue
		}

		age := now.Sub(job.startedAt())
		if age <= maxAge {
			continue
		}
		log.Warnf("[JobQueue] Job %s (%s) stalled for %s, requeueing", job.ID, job.Type, age)
		job.ErrorMsg = "recovered by sweeper"
		if err := q.requeueJob(ctx, job, now); err == nil {
			recovered++
		}
	}
	return recovered, nil
}

func (q *Queue) worker(id int) {
	log.Debugf("[JobQueue] Worker %d up", id)
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Debugf("[JobQueue] Worker %d down", id)
			return
		case <-q.workerPool:
		}

		job, err := q.dequeueJob(ctx)
		switch {
		case err == nil && job != nil:
			log.Infof("[JobQueue] Worker %d picked job %s (%s)", id, job.ID, job.Type)
			q.ProcessJob(ctx, job)
		case err != nil && !errors.Is(err, redis.Nil):
			log.Errorf("[JobQueue] Worker %d dequeue: %v", id, err)
			time.Sleep(time.Second)
		}
		q.workerPool <- struct{}{}
	}
}

// EnqueueJob stores a new job under a random id and pushes it for immediate
// execution.
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	job := newJob(uuid.New().String(), jobType, payload)
	data, err := encodeJob(job)
	if err != nil {
		return nil, err
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, jobKey(job.ID), data, JobTTL)
		p.LPush(ctx, JobQueueKey, job.ID)
		p.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	log.Infof("[JobQueue] Queued job %s (%s)", job.ID, job.Type)
	return job, nil
}

// EnqueueDelayed schedules a job under a caller-chosen id to run after delay.
// While a job with the same id exists (scheduled, running or recently
// completed) the call is a no-op and reports false.
func (q *Queue) EnqueueDelayed(ctx context.Context, jobID string, jobType JobType, payload map[string]interface{}, delay time.Duration) (*Job, bool, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	runAt := time.Now().Add(delay)
	job := newJob(jobID, jobType, payload)
	job.MarkAsScheduled(runAt)

	data, err := encodeJob(job)
	if err != nil {
		return nil, false, err
	}

	created, err := q.client.SetNX(ctx, jobKey(job.ID), data, JobTTL+delay).Result()
	if err != nil {
		return nil, false, fmt.Errorf("store job %s: %w", job.ID, err)
	}
	if !created {
		log.Debugf("[JobQueue] Job %s exists, skipping", job.ID)
		return nil, false, nil
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, JobDelayedKey, delayedMember(job.ID, runAt))
		p.HIncrBy(ctx, JobStatsKey, string(JobStatusScheduled), 1)
		return nil
	})
	if err != nil {
		// Free the id so a later attempt can schedule it.
		_ = q.client.Del(ctx, jobKey(job.ID)).Err()
		return nil, false, fmt.Errorf("schedule job %s: %w", job.ID, err)
	}

	log.Infof("[JobQueue] Job %s (%s) due at %s", job.ID, job.Type, runAt.Format(time.RFC3339))
	return job, true, nil
}

func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.removeFromProcessing(ctx, id)
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

// ProcessJob runs one job through its handler and records the outcome.
// Failed jobs go back to the delayed set with a linear backoff until their
// retries run out.
func (q *Queue) ProcessJob(ctx context.Context, job *Job) {
	defer q.removeFromProcessing(ctx, job.ID)

	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	h := q.handler(job.Type)
	if h == nil {
		log.Errorf("[JobQueue] Job %s has unknown type %s", job.ID, job.Type)
		job.MarkAsFailed(fmt.Errorf("%w: %s", ErrNoHandler, job.Type).Error())
		job.RetryCount = job.MaxRetries
		q.finish(ctx, job, JobStatusFailed)
		return
	}

	err := runHandler(ctx, h, job)
	if err == nil {
		job.MarkAsCompleted()
		log.Infof("[JobQueue] Job %s done", job.ID)
		// The record stays until its TTL so the id cannot be scheduled twice.
		q.finish(ctx, job, JobStatusCompleted)
		return
	}

	job.MarkAsFailed(err.Error())
	if !job.IsRetryable() {
		log.Errorf("[JobQueue] Job %s gave up after %d attempts: %v", job.ID, job.RetryCount, err)
		q.finish(ctx, job, JobStatusFailed)
		return
	}

	wait := job.RetryBackoff()
	log.Warnf("[JobQueue] Job %s attempt %d/%d failed, retry in %s: %v", job.ID, job.RetryCount, job.MaxRetries, wait, err)
	job.MarkAsRetrying()
	q.updateJob(ctx, job)
	if zerr := q.client.ZAdd(ctx, JobDelayedKey, delayedMember(job.ID, time.Now().Add(wait))).Err(); zerr != nil {
		log.Errorf("[JobQueue] Scheduling retry of %s: %v", job.ID, zerr)
	}
}

func (q *Queue) finish(ctx context.Context, job *Job, status JobStatus) {
	q.updateJob(ctx, job)
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), 1).Err(); err != nil {
		log.Errorf("[JobQueue] Counting %s job: %v", status, err)
	}
}

func runHandler(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) updateJob(ctx context.Context, job *Job) {
	data, err := encodeJob(job)
	if err == nil {
		err = q.client.Set(ctx, jobKey(job.ID), data, JobTTL).Err()
	}
	if err != nil {
		log.Errorf("[JobQueue] Saving job %s: %v", job.ID, err)
	}
}

func (q *Queue) requeueJob(ctx context.Context, job *Job, now time.Time) error {
	job.Status = JobStatusPending
	job.UpdatedAt = now
	q.updateJob(ctx, job)
	q.removeFromProcessing(ctx, job.ID)
	if err := q.client.RPush(ctx, JobQueueKey, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Requeueing %s: %v", job.ID, err)
		return err
	}
	return nil
}

func (q *Queue) removeFromProcessing(ctx context.Context, id string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, id).Err(); err != nil {
		log.Errorf("[JobQueue] Dropping %s from processing list: %v", id, err)
	}
}

// GetJob loads a job record. A missing record returns redis.Nil.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	raw, err := q.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		return nil, err
	}
	job := new(Job)
	if err := json.Unmarshal(raw, job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

// GetJobStats returns the per-status counters. Unparseable entries are skipped.
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	raw, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}
	stats := make(map[JobStatus]int64, len(raw))
	for k, v := range raw {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			stats[JobStatus(k)] = n
		}
	}
	return stats, nil
}

func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

// GetDelayedSize counts jobs waiting for their run time, retries included.
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobDelayedKey).Result()
}

// Stats is a point-in-time view of the queue for the metrics endpoint.
type Stats struct {
	Pending    int64               `json:"pending"`
	Processing int64               `json:"processing"`
	Delayed    int64               `json:"delayed"`
	ByStatus   map[JobStatus]int64 `json:"by_status"`
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var err error
	if st.Pending, err = q.GetQueueSize(ctx); err != nil {
		return nil, fmt.Errorf("queue size: %w", err)
	}
	if st.Processing, err = q.GetProcessingSize(ctx); err != nil {
		return nil, fmt.Errorf("processing size: %w", err)
	}
	if st.Delayed, err = q.GetDelayedSize(ctx); err != nil {
		return nil, fmt.Errorf("delayed size: %w", err)
	}
	if st.ByStatus, err = q.GetJobStats(ctx); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &st, nil
}

func jobKey(id string) string { return JobKeyPrefix + id }

func delayedMember(id string, runAt time.Time) redis.Z {
	return redis.Z{Score: float64(runAt.UnixMilli()), Member: id}
}

func encodeJob(job *Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return data, nil
}
