package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"

	"github.com/tqs-project/tqs/internal/db"
	"github.com/tqs-project/tqs/internal/telemetry"
)

// storeOps is the subset of Store operations the Engine depends on. *Store
// satisfies it against Postgres; engine_test.go exercises the Engine
// against an in-memory fake satisfying the same interface, so Engine logic
// is tested deterministically without a database.
type storeOps interface {
	CreateQueue(ctx context.Context, name string, now float64) (QueueRow, error)
	GetQueueByName(ctx context.Context, name string) (QueueRow, error)
	ListQueues(ctx context.Context) ([]QueueRow, error)
	DeleteQueue(ctx context.Context, name string) error
	InsertMessage(ctx context.Context, queueID int64, now, visibleDate, expireDate float64, body, mediaType string, priority int16) error
	IncrementInsertCount(ctx context.Context, queueID int64, n int64) error
	SelectCandidates(ctx context.Context, queueID int64, now float64, limit int) ([]MessageRow, error)
	LeaseMessage(ctx context.Context, id int64, now float64, leaseUUID string, leaseTimeout int32) error
	DeleteMessageByID(ctx context.Context, id int64) error
	AckByLease(ctx context.Context, queueID int64, leaseUUID string) error
	IncrementDeleteCount(ctx context.Context, queueID int64, n int64) error
	IncrementExpireCount(ctx context.Context, queueID int64, n int64) error
	Stats(ctx context.Context, queueID int64, now float64) (StatsResponse, error)
	SelectExpiredLeases(ctx context.Context, now float64) ([]ExpiredLeaseRow, error)
	ClearLease(ctx context.Context, id int64) error
	SelectExpiredMessages(ctx context.Context, now float64) ([]ExpiredMessageRow, error)
}

// TxRunner runs fn against a storeOps implementation as a single atomic
// unit of work. Engine never touches a store outside of WithTx, so every
// operation is serialized inside a short transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(storeOps) error) error
}

// PoolTxRunner runs fn inside a real Postgres transaction.
type PoolTxRunner struct {
	Pool *pgxpool.Pool
}

// WithTx implements TxRunner against Postgres.
func (p PoolTxRunner) WithTx(ctx context.Context, fn func(storeOps) error) error {
	return db.WithTx(ctx, p.Pool, func(tx pgx.Tx) error {
		return fn(NewStore(tx))
	})
}

// Engine implements the queueing core: CreateQueue, ListQueues,
// DeleteQueue, Enqueue, Dequeue, Ack, Stats, StatsAll.
type Engine struct {
	tx           TxRunner
	clock        clock.Clock
	pollInterval time.Duration
}

// NewEngine creates an Engine. pollInterval is the long-poll probe
// interval (250 ms in production).
func NewEngine(tx TxRunner, clk clock.Clock, pollInterval time.Duration) *Engine {
	return &Engine{tx: tx, clock: clk, pollInterval: pollInterval}
}

func (e *Engine) now() float64 {
	return float64(e.clock.Now().UnixNano()) / 1e9
}

// CreateQueue validates name and inserts a new queue row with zero
// counters. Returns ErrConflict on name collision, ErrBadRequest on an
// invalid name.
func (e *Engine) CreateQueue(ctx context.Context, name string) (QueueSummary, error) {
	if !ValidateQueueName(name) {
		return QueueSummary{}, fmt.Errorf("%w: invalid queue name %q", ErrBadRequest, name)
	}

	var q QueueRow
	err := e.tx.WithTx(ctx, func(s storeOps) error {
		var err error
		q, err = s.CreateQueue(ctx, name, e.now())
		return err
	})
	switch {
	case errors.Is(err, ErrConflict):
		return QueueSummary{}, ErrConflict
	case err != nil:
		return QueueSummary{}, fmt.Errorf("creating queue: %w", err)
	}
	return q.ToSummary(), nil
}

// ListQueues returns every queue ordered by create_date ascending.
func (e *Engine) ListQueues(ctx context.Context) ([]QueueSummary, error) {
	var rows []QueueRow
	err := e.tx.WithTx(ctx, func(s storeOps) error {
		var err error
		rows, err = s.ListQueues(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing queues: %w", err)
	}

	out := make([]QueueSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ToSummary())
	}
	return out, nil
}

// DeleteQueue deletes a queue and cascades to its messages. Returns
// ErrNotFound if the name is unknown.
func (e *Engine) DeleteQueue(ctx context.Context, name string) error {
	err := e.tx.WithTx(ctx, func(s storeOps) error {
		return s.DeleteQueue(ctx, name)
	})
	return translateNotFound(err, "deleting queue")
}

// validatedEnqueueItem is an EnqueueItem after defaults have been applied
// and every field checked.
type validatedEnqueueItem struct {
	body      string
	mediaType string
	delay     int
	retention int
	priority  int16
}

// validateEnqueueItem validates one item, applying defaults for absent
// optional fields. Request-level atomicity means the caller must validate
// every item before writing any of them.
func validateEnqueueItem(item EnqueueItem) (validatedEnqueueItem, error) {
	if !ValidateBody(item.Body) {
		return validatedEnqueueItem{}, fmt.Errorf("%w: body exceeds maximum size", ErrBadRequest)
	}

	mediaType, ok := NormalizeMediaType(item.Type)
	if !ok {
		return validatedEnqueueItem{}, fmt.Errorf("%w: unknown media type %q", ErrBadRequest, item.Type)
	}

	delay := DefaultDelay
	if item.Delay != nil {
		if !ValidateDelay(*item.Delay) {
			return validatedEnqueueItem{}, fmt.Errorf("%w: delay out of range", ErrBadRequest)
		}
		delay = *item.Delay
	}

	retention := DefaultRetention
	if item.Retention != nil {
		if !ValidateRetention(*item.Retention) {
			return validatedEnqueueItem{}, fmt.Errorf("%w: retention out of range", ErrBadRequest)
		}
		retention = *item.Retention
	}

	priority := DefaultPriority
	if item.Priority != nil {
		if !ValidatePriority(*item.Priority) {
			return validatedEnqueueItem{}, fmt.Errorf("%w: priority out of range", ErrBadRequest)
		}
		priority = *item.Priority
	}

	return validatedEnqueueItem{
		body:      item.Body,
		mediaType: mediaType,
		delay:     delay,
		retention: retention,
		priority:  int16(priority),
	}, nil
}

// Enqueue validates every message first (a single bad field rejects the
// whole call without side effects), then inserts all accepted messages and
// bumps insert_count in one transaction. An empty list is a no-op success.
func (e *Engine) Enqueue(ctx context.Context, queueName string, items []EnqueueItem) error {
	validated := make([]validatedEnqueueItem, 0, len(items))
	for _, item := range items {
		vm, err := validateEnqueueItem(item)
		if err != nil {
			return err
		}
		validated = append(validated, vm)
	}

	now := e.now()
	err := e.tx.WithTx(ctx, func(s storeOps) error {
		q, err := s.GetQueueByName(ctx, queueName)
		if err != nil {
			return err
		}

		for _, vm := range validated {
			visibleDate := now + float64(vm.delay)
			expireDate := now + float64(vm.retention)
			if err := s.InsertMessage(ctx, q.ID, now, visibleDate, expireDate, vm.body, vm.mediaType, vm.priority); err != nil {
				return err
			}
		}

		if len(validated) > 0 {
			if err := s.IncrementInsertCount(ctx, q.ID, int64(len(validated))); err != nil {
				return err
			}
		}
		return nil
	})
	if err := translateNotFound(err, "enqueueing"); err != nil {
		return err
	}
	if len(validated) > 0 {
		telemetry.EnqueuedTotal.WithLabelValues(queueName).Add(float64(len(validated)))
	}
	return nil
}

// dequeueOnce runs a single selection probe: pick up to messageCount
// visible, unleased candidates, then either lease or delete them depending
// on deleteFlag, all inside one transaction so no two dequeues can ever
// pick the same message.
func (e *Engine) dequeueOnce(ctx context.Context, queueName string, messageCount, visibilityTimeout int, deleteFlag bool) ([]MessageResponse, error) {
	now := e.now()
	var responses []MessageResponse

	err := e.tx.WithTx(ctx, func(s storeOps) error {
		q, err := s.GetQueueByName(ctx, queueName)
		if err != nil {
			return err
		}

		candidates, err := s.SelectCandidates(ctx, q.ID, now, messageCount)
		if err != nil {
			return err
		}

		responses = make([]MessageResponse, 0, len(candidates))
		for i := range candidates {
			m := candidates[i]

			if deleteFlag {
				if err := s.DeleteMessageByID(ctx, m.ID); err != nil {
					return err
				}
				responses = append(responses, m.ToResponse())
				continue
			}

			leaseUUID := uuid.NewString()
			leaseDate := now
			leaseTimeout := int32(visibilityTimeout)
			if err := s.LeaseMessage(ctx, m.ID, now, leaseUUID, leaseTimeout); err != nil {
				return err
			}
			m.LeaseDate = &leaseDate
			m.LeaseUUID = &leaseUUID
			m.LeaseTimeout = &leaseTimeout
			responses = append(responses, m.ToResponse())
		}

		if deleteFlag && len(candidates) > 0 {
			if err := s.IncrementDeleteCount(ctx, q.ID, int64(len(candidates))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, translateNotFound(err, "dequeuing")
	}
	if len(responses) > 0 {
		telemetry.DequeuedTotal.WithLabelValues(queueName).Add(float64(len(responses)))
	}
	return responses, nil
}

// Dequeue implements long-poll dequeue: probe immediately, and if nothing
// is eligible and waitTime > 0, sleep pollInterval and retry until
// start+waitTime elapses. A client disconnect or context cancellation ends
// the wait early with whatever has been found so far; an empty result is
// not an error.
func (e *Engine) Dequeue(ctx context.Context, queueName string, messageCount, visibilityTimeout, waitTime int, deleteFlag bool) ([]MessageResponse, error) {
	start := e.clock.Now()
	deadline := start.Add(time.Duration(waitTime) * time.Second)

	for {
		messages, err := e.dequeueOnce(ctx, queueName, messageCount, visibilityTimeout, deleteFlag)
		if err != nil {
			return nil, err
		}
		if len(messages) > 0 || waitTime <= 0 {
			return messages, nil
		}
		if !e.clock.Now().Before(deadline) {
			return messages, nil
		}
		if ctx.Err() != nil {
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return messages, nil
		case <-e.clock.After(e.pollInterval):
		}
	}
}

// Ack deletes the message in queueName holding leaseUUID. Not idempotent:
// a second ack of the same UUID returns ErrNotFound.
func (e *Engine) Ack(ctx context.Context, queueName, leaseUUID string) error {
	if !ValidateLeaseUUID(leaseUUID) {
		return fmt.Errorf("%w: invalid lease id", ErrBadRequest)
	}

	err := e.tx.WithTx(ctx, func(s storeOps) error {
		q, err := s.GetQueueByName(ctx, queueName)
		if err != nil {
			return err
		}
		if err := s.AckByLease(ctx, q.ID, leaseUUID); err != nil {
			return err
		}
		return s.IncrementDeleteCount(ctx, q.ID, 1)
	})
	if err := translateNotFound(err, "acking message"); err != nil {
		return err
	}
	telemetry.AckedTotal.WithLabelValues(queueName).Inc()
	return nil
}

// Stats computes {visible, leased, delayed} for one queue at now.
func (e *Engine) Stats(ctx context.Context, queueName string) (StatsResponse, error) {
	now := e.now()
	var stats StatsResponse

	err := e.tx.WithTx(ctx, func(s storeOps) error {
		q, err := s.GetQueueByName(ctx, queueName)
		if err != nil {
			return err
		}
		stats, err = s.Stats(ctx, q.ID, now)
		return err
	})
	if err != nil {
		return StatsResponse{}, translateNotFound(err, "computing stats")
	}
	return stats, nil
}

// StatsAll computes {visible, leased, delayed} for every queue at now.
func (e *Engine) StatsAll(ctx context.Context) (StatsAllResponse, error) {
	now := e.now()
	result := StatsAllResponse{}

	err := e.tx.WithTx(ctx, func(s storeOps) error {
		queues, err := s.ListQueues(ctx)
		if err != nil {
			return err
		}
		for _, q := range queues {
			stats, err := s.Stats(ctx, q.ID, now)
			if err != nil {
				return err
			}
			result[q.Name] = stats
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("computing stats: %w", err)
	}
	return result, nil
}

// translateNotFound maps pgx.ErrNoRows to ErrNotFound, wrapping anything
// else with op for context.
func translateNotFound(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
