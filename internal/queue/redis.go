package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	delayedKey       = "queue:delayed"
	leasesKey        = "queue:leases"
	revokedTasksKey  = "queue:revoked:tasks"
	revokedGroupsKey = "queue:revoked:groups"

	// revocationTTL bounds how long revocation markers are kept.
	revocationTTL = 24 * time.Hour

	promoteBatch = 100

	// DefaultVisibilityTimeout is how long a dequeued task may stay
	// unacknowledged before it is handed to another worker.
	DefaultVisibilityTimeout = 15 * time.Minute
)

func readyKey(queue string) string {
	return "queue:" + queue
}

func processingKey(queue string) string {
	return "queue:" + queue + ":processing"
}

// promoteScript moves due tasks from the delayed set onto their ready lists.
// ZREM and LPUSH run in one script so a task is promoted exactly once.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, item in ipairs(items) do
  redis.call('ZREM', KEYS[1], item)
  local task = cjson.decode(item)
  redis.call('LPUSH', 'queue:' .. task['queue'], item)
end
return #items
`)

// reclaimScript returns tasks whose lease expired from the processing lists
// (KEYS[2..]) to the front of their ready lists. A task found without a lease
// was taken by a worker that stopped before leasing it; it gets a fresh lease.
var reclaimScript = redis.NewScript(`
local reclaimed = 0
for i = 2, #KEYS do
  local items = redis.call('LRANGE', KEYS[i], 0, -1)
  for _, item in ipairs(items) do
    local deadline = redis.call('ZSCORE', KEYS[1], item)
    if not deadline then
      redis.call('ZADD', KEYS[1], ARGV[2], item)
    elseif tonumber(deadline) <= tonumber(ARGV[1]) then
      redis.call('LREM', KEYS[i], 1, item)
      redis.call('ZREM', KEYS[1], item)
      local task = cjson.decode(item)
      redis.call('RPUSH', 'queue:' .. task['queue'], item)
      reclaimed = reclaimed + 1
    end
  end
end
return reclaimed
`)

// RedisQueue is a Redis-backed task queue. Tasks are acknowledged after
// their handler returns, so a task held by a crashed worker is redelivered.
type RedisQueue struct {
	client     *redis.Client
	visibility time.Duration
	now        func() time.Time
}

// RedisOption configures a RedisQueue.
type RedisOption func(*RedisQueue)

// VisibilityTimeout sets how long a dequeued task may stay unacknowledged.
func VisibilityTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// NewRedisQueue creates a queue on an existing client.
func NewRedisQueue(client *redis.Client, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{client: client, visibility: DefaultVisibilityTimeout, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores task on its ready list, or in the delayed set when WithDelay is given.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task, opts ...Option) (string, error) {
	o := applyOptions(opts)
	if err := q.prepare(&task); err != nil {
		return "", err
	}

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	if o.Delay > 0 {
		readyAt := task.EnqueuedAt.Add(o.Delay)
		err = q.client.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: data,
		}).Err()
	} else {
		err = q.client.LPush(ctx, readyKey(task.Queue), data).Err()
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", task.Type, err)
	}
	return task.ID, nil
}

// EnqueueGroup pushes tasks as one fan-out unit sharing a group ID.
func (q *RedisQueue) EnqueueGroup(ctx context.Context, tasks []Task) (string, []string, error) {
	if len(tasks) == 0 {
		return "", nil, ErrEmptyGroup
	}

	groupID := uuid.NewString()
	ids := make([]string, 0, len(tasks))
	pipe := q.client.TxPipeline()
	for i := range tasks {
		task := tasks[i]
		task.GroupID = groupID
		if err := q.prepare(&task); err != nil {
			return "", nil, err
		}
		data, err := json.Marshal(task)
		if err != nil {
			return "", nil, fmt.Errorf("encode task: %w", err)
		}
		pipe.LPush(ctx, readyKey(task.Queue), data)
		ids = append(ids, task.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", nil, fmt.Errorf("enqueue group: %w", err)
	}
	return groupID, ids, nil
}

// Revoke marks a task so that workers drop it on dequeue.
func (q *RedisQueue) Revoke(ctx context.Context, taskID string) error {
	return q.revoke(ctx, revokedTasksKey, taskID)
}

// RevokeGroup marks every task of a group.
func (q *RedisQueue) RevokeGroup(ctx context.Context, groupID string) error {
	return q.revoke(ctx, revokedGroupsKey, groupID)
}

func (q *RedisQueue) revoke(ctx context.Context, key, member string) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.Expire(ctx, key, revocationTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke %s: %w", member, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task on queue and leases it.
// Returns nil, nil on timeout or when the task taken was revoked.
func (q *RedisQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Task, error) {
	raw, err := q.client.BLMove(ctx, readyKey(queue), processingKey(queue), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	deadline := q.now().Add(q.visibility)
	if err := q.client.ZAdd(ctx, leasesKey, redis.Z{Score: float64(deadline.UnixMilli()), Member: raw}).Err(); err != nil {
		// Left in the processing list; ReclaimExpired leases it.
		return nil, fmt.Errorf("lease task: %w", err)
	}

	task := Task{Queue: queue, raw: raw}
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		_ = q.Ack(ctx, &task)
		return nil, fmt.Errorf("decode task from %s: %w", queue, err)
	}
	task.raw = raw

	revoked, err := q.isRevoked(ctx, &task)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, q.Ack(ctx, &task)
	}
	return &task, nil
}

// Ack releases a dequeued task for good.
func (q *RedisQueue) Ack(ctx context.Context, task *Task) error {
	if task.raw == "" {
		return nil
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, processingKey(task.Queue), 1, task.raw)
	pipe.ZRem(ctx, leasesKey, task.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", task.ID, err)
	}
	return nil
}

// ReclaimExpired requeues tasks whose lease ended at or before now.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	keys := []string{leasesKey}
	for _, name := range routedQueues() {
		keys = append(keys, processingKey(name))
	}
	n, err := reclaimScript.Run(ctx, q.client, keys,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(q.visibility).UnixMilli(), 10)).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired tasks: %w", err)
	}
	return n, nil
}

// Processing reports the number of leased, unacknowledged tasks on a queue.
func (q *RedisQueue) Processing(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, processingKey(queue)).Result()
}

func routedQueues() []string {
	seen := make(map[string]bool, len(Routes))
	out := make([]string, 0, len(Routes))
	for _, name := range Routes {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (q *RedisQueue) isRevoked(ctx context.Context, task *Task) (bool, error) {
	pipe := q.client.Pipeline()
	byTask := pipe.SIsMember(ctx, revokedTasksKey, task.ID)
	var byGroup *redis.BoolCmd
	if task.GroupID != "" {
		byGroup = pipe.SIsMember(ctx, revokedGroupsKey, task.GroupID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	if byTask.Val() {
		return true, nil
	}
	return byGroup != nil && byGroup.Val(), nil
}

// PromoteDue moves delayed tasks whose ready time is at or before now.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{delayedKey},
		strconv.FormatInt(now.UnixMilli(), 10), promoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed tasks: %w", err)
	}
	return n, nil
}

// Depth reports the number of ready tasks on a queue.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, readyKey(queue)).Result()
}

func (q *RedisQueue) prepare(task *Task) error {
	if task.Queue == "" {
		name, err := QueueFor(task.Type)
		if err != nil {
			return err
		}
		task.Queue = name
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.EnqueuedAt = q.now().UTC()
	return nil
}

var (
	_ Enqueuer = (*RedisQueue)(nil)
	_ Source   = (*RedisQueue)(nil)
)
