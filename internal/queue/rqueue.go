package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sokinpui/studio.go/internal/models"
)

// stateTTL bounds how long job states and cancel markers linger.
const stateTTL = 24 * time.Hour

// RQueue is a FIFO of jobs on a Redis list (LPUSH in, BRPOP out), with job
// state and cancellation kept next to it.
type RQueue struct {
	redisClient *redis.Client
	name        string
}

func New(redisClient *redis.Client, name string) *RQueue {
	return &RQueue{
		redisClient: redisClient,
		name:        name,
	}
}

func (q *RQueue) Enqueue(ctx context.Context, job *models.Job) error {
	item, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.redisClient.LPush(ctx, q.name, item).Err()
}

// Requeue puts a job back at the consuming end, so it is the next one
// dequeued and keeps its place ahead of later submissions.
func (q *RQueue) Requeue(ctx context.Context, job *models.Job) error {
	item, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.redisClient.RPush(ctx, q.name, item).Err()
}

// Dequeue blocks for up to timeout (0 blocks forever). It returns nil, nil
// when the timeout passes without a job.
func (q *RQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	data, err := q.redisClient.BRPop(ctx, timeout, q.name).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	if len(data) < 2 {
		return nil, nil
	}

	var job models.Job
	if err := json.Unmarshal([]byte(data[1]), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Len returns the number of jobs waiting.
func (q *RQueue) Len(ctx context.Context) (int64, error) {
	return q.redisClient.LLen(ctx, q.name).Result()
}

func (q *RQueue) SetState(ctx context.Context, state models.JobState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	item, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return q.redisClient.Set(ctx, q.stateKey(state.ID), item, stateTTL).Err()
}

// State returns nil, nil for an unknown job.
func (q *RQueue) State(ctx context.Context, id string) (*models.JobState, error) {
	data, err := q.redisClient.Get(ctx, q.stateKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var state models.JobState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SignalCancel marks the job as cancelled and notifies a worker that may be
// running it. A job still waiting in the queue is skipped when dequeued.
func (q *RQueue) SignalCancel(ctx context.Context, id string) error {
	pipe := q.redisClient.TxPipeline()
	pipe.Set(ctx, q.cancelKey(id), 1, stateTTL)
	pipe.Publish(ctx, CancellationChannel(id), "cancel")
	_, err := pipe.Exec(ctx)
	return err
}

// CancelRequested reports whether SignalCancel was called for id.
func (q *RQueue) CancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := q.redisClient.Exists(ctx, q.cancelKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SubscribeCancel subscribes to cancellation signals for id. The caller must
// close the returned PubSub.
func (q *RQueue) SubscribeCancel(ctx context.Context, id string) *redis.PubSub {
	return q.redisClient.Subscribe(ctx, CancellationChannel(id))
}

func (q *RQueue) stateKey(id string) string { return q.name + ":state:" + id }

func (q *RQueue) cancelKey(id string) string { return q.name + ":cancelled:" + id }

func CancellationChannel(id string) string {
	return "cancel:" + id
}
