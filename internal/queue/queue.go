// Package queue is the session-scoped priority queue for subagent tasks.
// Task records live in Redis with a TTL; each session keeps a priority-ordered
// pending set and an unordered active set. Every lifecycle transition is
// published on a shared update channel. The queue never executes tasks; it is
// pure state plus notification, and dispatch is consumer-driven.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	taskKeyPrefix    = "hivemind:task:"
	pendingKeyPrefix = "hivemind:tasks:pending:"
	activeKeyPrefix  = "hivemind:tasks:active:"
	updateChannel    = "hivemind:tasks:updates"

	taskTTL     = 24 * time.Hour
	terminalTTL = time.Hour
)

// Queue is a Redis-backed priority task queue.
type Queue struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New creates a queue over an existing Redis client.
func New(rdb *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger}
}

// EnqueueParams describes a task to enqueue.
type EnqueueParams struct {
	SessionID     string
	ParentAgentID string
	Role          string
	Description   string
	SystemPrompt  string
	Background    bool
	Priority      Priority
}

// Enqueue writes a new pending task, indexes it in the session's pending set,
// and publishes a task_created event. It has no side effect on any worker.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*Task, error) {
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	now := time.Now()
	task := &Task{
		ID:            uuid.New().String(),
		SessionID:     p.SessionID,
		ParentAgentID: p.ParentAgentID,
		Role:          p.Role,
		Description:   p.Description,
		SystemPrompt:  p.SystemPrompt,
		Priority:      p.Priority,
		Status:        StatusPending,
		Background:    p.Background,
		CreatedAt:     now,
	}

	if err := q.saveTask(ctx, task, taskTTL); err != nil {
		return nil, err
	}
	if err := q.rdb.ZAdd(ctx, pendingKeyPrefix+task.SessionID, redis.Z{
		Score:  sortScore(task.Priority, now),
		Member: task.ID,
	}).Err(); err != nil {
		return nil, fmt.Errorf("index pending task %s: %w", task.ID, err)
	}

	q.publish(ctx, "task_created", task)
	q.logger.Info("task enqueued",
		zap.String("task", task.ID),
		zap.String("session", task.SessionID),
		zap.String("role", task.Role),
		zap.String("priority", string(task.Priority)))
	return task, nil
}

// GetTask fetches a task record, or nil if unknown/expired.
func (q *Queue) GetTask(ctx context.Context, id string) (*Task, error) {
	data, err := q.rdb.Get(ctx, taskKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// GetPendingTasks returns up to limit pending tasks in dequeue order.
func (q *Queue) GetPendingTasks(ctx context.Context, sessionID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := q.rdb.ZRange(ctx, pendingKeyPrefix+sessionID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("range pending %s: %w", sessionID, err)
	}
	return q.fetchTasks(ctx, ids)
}

// GetActiveTasks returns the session's currently running tasks.
func (q *Queue) GetActiveTasks(ctx context.Context, sessionID string) ([]*Task, error) {
	ids, err := q.rdb.SMembers(ctx, activeKeyPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("members active %s: %w", sessionID, err)
	}
	return q.fetchTasks(ctx, ids)
}

// Claim pops the lowest-score pending task, marks it running, and moves it to
// the active set. Returns nil when the session has no pending work.
func (q *Queue) Claim(ctx context.Context, sessionID, workerID string) (*Task, error) {
	popped, err := q.rdb.ZPopMin(ctx, pendingKeyPrefix+sessionID, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("pop pending %s: %w", sessionID, err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	id, _ := popped[0].Member.(string)
	task, err := q.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		// Record expired under its index entry; nothing to run.
		return nil, nil
	}
	if err := Transition(task.Status, StatusRunning); err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}

	now := time.Now()
	task.Status = StatusRunning
	task.StartedAt = &now
	task.WorkerID = workerID

	if err := q.saveTask(ctx, task, taskTTL); err != nil {
		return nil, err
	}
	if err := q.rdb.SAdd(ctx, activeKeyPrefix+sessionID, id).Err(); err != nil {
		return nil, fmt.Errorf("index active task %s: %w", id, err)
	}

	q.publish(ctx, "task_started", task)
	return task, nil
}

// SetProgress updates a running task's progress and publishes the change.
func (q *Queue) SetProgress(ctx context.Context, id string, progress int, message string) error {
	task, err := q.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", id)
	}
	if task.Status != StatusRunning {
		return fmt.Errorf("task %s is %s, not running", id, task.Status)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	task.Progress = progress
	task.ProgressMessage = message

	if err := q.saveTask(ctx, task, taskTTL); err != nil {
		return err
	}
	q.publish(ctx, "task_progress", task)
	return nil
}

// Complete marks a running task completed with its result.
func (q *Queue) Complete(ctx context.Context, id, result string) error {
	return q.finish(ctx, id, StatusCompleted, result, "")
}

// Fail marks a running task failed with an error message.
func (q *Queue) Fail(ctx context.Context, id, errMsg string) error {
	return q.finish(ctx, id, StatusFailed, "", errMsg)
}

func (q *Queue) finish(ctx context.Context, id string, status Status, result, errMsg string) error {
	task, err := q.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", id)
	}
	if err := Transition(task.Status, status); err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}

	now := time.Now()
	task.Status = status
	task.CompletedAt = &now
	task.Result = result
	task.Error = errMsg
	if status == StatusCompleted {
		task.Progress = 100
	}

	if err := q.saveTask(ctx, task, terminalTTL); err != nil {
		return err
	}
	q.rdb.SRem(ctx, activeKeyPrefix+task.SessionID, id)

	event := "task_completed"
	if status == StatusFailed {
		event = "task_failed"
	}
	q.publish(ctx, event, task)
	return nil
}

// CancelTask cancels a pending or running task. Returns false without
// touching the record for any other current status.
func (q *Queue) CancelTask(ctx context.Context, id string) (bool, error) {
	task, err := q.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	if task.Status != StatusPending && task.Status != StatusRunning {
		return false, nil
	}

	now := time.Now()
	task.Status = StatusCancelled
	task.CompletedAt = &now

	if err := q.saveTask(ctx, task, terminalTTL); err != nil {
		return false, err
	}
	q.rdb.ZRem(ctx, pendingKeyPrefix+task.SessionID, id)
	q.rdb.SRem(ctx, activeKeyPrefix+task.SessionID, id)

	q.publish(ctx, "task_cancelled", task)
	q.logger.Info("task cancelled", zap.String("task", id))
	return true, nil
}

// WaitForCompletion polls a task until it reaches a terminal status or the
// timeout elapses. On timeout it returns the last-observed record rather
// than an error.
func (q *Queue) WaitForCompletion(ctx context.Context, id string, timeout, pollInterval time.Duration) (*Task, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	var last *Task
	for {
		task, err := q.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task != nil {
			last = task
			if task.Status.IsTerminal() {
				return task, nil
			}
		}
		if time.Now().After(deadline) {
			q.logger.Debug("wait for task timed out", zap.String("task", id))
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// SubscribeUpdates streams lifecycle updates for all sessions until ctx is
// cancelled.
func (q *Queue) SubscribeUpdates(ctx context.Context) <-chan *Update {
	ch := make(chan *Update, 16)
	sub := q.rdb.Subscribe(ctx, updateChannel)

	go func() {
		defer close(ch)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var u Update
				if json.Unmarshal([]byte(msg.Payload), &u) == nil {
					select {
					case ch <- &u:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

func (q *Queue) saveTask(ctx context.Context, t *Task, ttl time.Duration) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if err := q.rdb.Set(ctx, taskKeyPrefix+t.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (q *Queue) fetchTasks(ctx context.Context, ids []string) ([]*Task, error) {
	var tasks []*Task
	for _, id := range ids {
		t, err := q.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

func (q *Queue) publish(ctx context.Context, event string, t *Task) {
	u := Update{
		Event:           event,
		TaskID:          t.ID,
		SessionID:       t.SessionID,
		ParentAgentID:   t.ParentAgentID,
		Role:            t.Role,
		Status:          t.Status,
		Progress:        t.Progress,
		ProgressMessage: t.ProgressMessage,
		Timestamp:       time.Now(),
	}
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := q.rdb.Publish(ctx, updateChannel, data).Err(); err != nil {
		q.logger.Warn("publish task update failed",
			zap.String("task", t.ID),
			zap.Error(err))
	}
}
