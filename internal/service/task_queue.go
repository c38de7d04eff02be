package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"journey_backend/internal/config"
	"journey_backend/pkg/logger"
	"journey_backend/pkg/monitoring"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	TaskGenerateReply     = "generate_reply"
	TaskGenerateReport    = "generate_report"
	TaskIssueCertificate  = "issue_certificate"
	TaskCertificateIssued = "certificate_issued"
)

// Task is the queue envelope. Deliveries counts how many times it was handed to a worker.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Deliveries int             `json:"deliveries"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

func NewTask(taskType string, payload interface{}) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		Payload:    raw,
		EnqueuedAt: time.Now(),
	}, nil
}

func (t *Task) Decode(v interface{}) error {
	return json.Unmarshal(t.Payload, v)
}

type TaskHandler func(ctx context.Context, task *Task) error

// TaskQueue accepts background work. Delivery is at least once, so handlers must be
// idempotent.
type TaskQueue interface {
	Register(taskType string, handler TaskHandler)
	Enqueue(ctx context.Context, task *Task) error
}

type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func (h *handlerSet) Register(taskType string, handler TaskHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handlers == nil {
		h.handlers = make(map[string]TaskHandler)
	}
	h.handlers[taskType] = handler
}

func (h *handlerSet) dispatch(ctx context.Context, task *Task) error {
	h.mu.RLock()
	handler, ok := h.handlers[task.Type]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for task type %q", task.Type)
	}
	err := handler(ctx, task)
	status := "ok"
	if err != nil {
		status = "error"
	}
	monitoring.TaskCounter.WithLabelValues(task.Type, status).Inc()
	return err
}

// InlineTaskQueue runs handlers synchronously on Enqueue (debug mode and tests).
// Handler errors are logged, not returned, matching the fire-and-forget contract.
type InlineTaskQueue struct {
	handlerSet
}

func NewInlineTaskQueue() *InlineTaskQueue {
	return &InlineTaskQueue{}
}

func (q *InlineTaskQueue) Enqueue(ctx context.Context, task *Task) error {
	task.Deliveries++
	if err := q.dispatch(ctx, task); err != nil {
		logger.Log.Error("Inline task failed", zap.Error(err), zap.String("type", task.Type), zap.String("taskId", task.ID))
	}
	return nil
}

// RedisTaskQueue is a reliable list queue: workers move a task from the pending list
// to a processing list and remember a claim deadline in a sorted set. Tasks whose
// claim expired (crashed worker) are pushed back to pending by the reaper.
type RedisTaskQueue struct {
	handlerSet
	rdb           *redis.Client
	pendingKey    string
	processingKey string
	claimsKey     string
	deadKey       string
	workers       int
	maxDeliveries int
	visibility    time.Duration
	pollTimeout   time.Duration
}

func NewRedisTaskQueue(rdb *redis.Client, cfg config.QueueConfig) *RedisTaskQueue {
	key := cfg.Key
	if key == "" {
		key = "journey:tasks"
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	maxDeliveries := cfg.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = 3
	}
	return &RedisTaskQueue{
		rdb:           rdb,
		pendingKey:    key,
		processingKey: key + ":processing",
		claimsKey:     key + ":claims",
		deadKey:       key + ":dead",
		workers:       workers,
		maxDeliveries: maxDeliveries,
		visibility:    cfg.Visibility(),
		pollTimeout:   5 * time.Second,
	}
}

func (q *RedisTaskQueue) Enqueue(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.pendingKey, raw).Err()
}

// Run starts the workers and the reaper and blocks until ctx is cancelled.
func (q *RedisTaskQueue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		worker := i
		g.Go(func() error {
			q.work(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		q.reap(ctx)
		return nil
	})
	logger.Log.Info("Task queue started", zap.String("key", q.pendingKey), zap.Int("workers", q.workers))
	return g.Wait()
}

func (q *RedisTaskQueue) work(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		raw, err := q.rdb.BRPopLPush(ctx, q.pendingKey, q.processingKey, q.pollTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Log.Error("Task queue pop failed", zap.Error(err), zap.Int("worker", worker))
			time.Sleep(time.Second)
			continue
		}

		deadline := float64(time.Now().Add(q.visibility).Unix())
		q.rdb.ZAdd(ctx, q.claimsKey, &redis.Z{Score: deadline, Member: raw})

		q.handle(ctx, raw, worker)

		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.processingKey, 1, raw)
		pipe.ZRem(ctx, q.claimsKey, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Log.Error("Task ack failed", zap.Error(err), zap.Int("worker", worker))
		}
	}
}

func (q *RedisTaskQueue) handle(ctx context.Context, raw string, worker int) {
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		logger.Log.Error("Dropping malformed task", zap.Error(err), zap.String("raw", truncate(raw, 200)))
		return
	}
	task.Deliveries++

	err := q.dispatch(ctx, &task)
	if err == nil {
		return
	}

	logger.Log.Warn("Task failed", zap.Error(err), zap.String("type", task.Type),
		zap.String("taskId", task.ID), zap.Int("deliveries", task.Deliveries), zap.Int("worker", worker))

	next, mErr := json.Marshal(&task)
	if mErr != nil {
		return
	}
	if task.Deliveries >= q.maxDeliveries {
		q.rdb.LPush(ctx, q.deadKey, next)
		logger.Log.Error("Task moved to dead letter list", zap.String("type", task.Type), zap.String("taskId", task.ID))
		return
	}
	q.rdb.LPush(ctx, q.pendingKey, next)
}

// reap requeues tasks whose claim deadline passed.
func (q *RedisTaskQueue) reap(ctx context.Context) {
	interval := q.visibility / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired, err := q.rdb.ZRangeByScore(ctx, q.claimsKey, &redis.ZRangeBy{
				Min: "-inf",
				Max: fmt.Sprintf("%d", now.Unix()),
			}).Result()
			if err != nil {
				logger.Log.Error("Task reaper scan failed", zap.Error(err))
				continue
			}
			for _, raw := range expired {
				removed, err := q.rdb.LRem(ctx, q.processingKey, 1, raw).Result()
				if err == nil && removed > 0 {
					q.rdb.LPush(ctx, q.pendingKey, raw)
					logger.Log.Warn("Requeued expired task claim")
				}
				q.rdb.ZRem(ctx, q.claimsKey, raw)
			}
		}
	}
}

// enqueue builds and enqueues a task; failures are logged because callers treat
// background work as fire-and-forget.
func enqueue(ctx context.Context, q TaskQueue, taskType string, payload interface{}) {
	if q == nil {
		return
	}
	task, err := NewTask(taskType, payload)
	if err == nil {
		err = q.Enqueue(ctx, task)
	}
	if err != nil {
		logger.Log.Error("Failed to enqueue task", zap.Error(err), zap.String("type", taskType))
	}
}
