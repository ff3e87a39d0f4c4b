package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tqs-project/tqs/internal/db"
)

// pgUniqueViolation is Postgres's error code for a unique constraint
// violation, used to surface queue-name collisions as Conflict.
const pgUniqueViolation = "23505"

// Store provides transactional access to queues and messages. Every method
// takes a db.DBTX so it runs identically against a pool or a transaction.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store backed by the given database handle.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const queueColumns = `id, name, create_date, insert_count, delete_count, expire_count`

func scanQueueRow(row pgx.Row) (QueueRow, error) {
	var q QueueRow
	err := row.Scan(&q.ID, &q.Name, &q.CreateDate, &q.InsertCount, &q.DeleteCount, &q.ExpireCount)
	return q, err
}

// CreateQueue inserts a new queue row. Returns ErrConflict if name exists.
func (s *Store) CreateQueue(ctx context.Context, name string, now float64) (QueueRow, error) {
	query := `INSERT INTO queues (name, create_date) VALUES ($1, $2) RETURNING ` + queueColumns
	row := s.dbtx.QueryRow(ctx, query, name, now)
	q, err := scanQueueRow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return QueueRow{}, ErrConflict
		}
		return QueueRow{}, fmt.Errorf("creating queue: %w", err)
	}
	return q, nil
}

// GetQueueByName returns a queue by name. Returns pgx.ErrNoRows if absent.
func (s *Store) GetQueueByName(ctx context.Context, name string) (QueueRow, error) {
	query := `SELECT ` + queueColumns + ` FROM queues WHERE name = $1`
	row := s.dbtx.QueryRow(ctx, query, name)
	return scanQueueRow(row)
}

// ListQueues returns every queue ordered by create_date ascending.
func (s *Store) ListQueues(ctx context.Context) ([]QueueRow, error) {
	query := `SELECT ` + queueColumns + ` FROM queues ORDER BY create_date ASC`
	rows, err := s.dbtx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing queues: %w", err)
	}
	defer rows.Close()

	var items []QueueRow
	for rows.Next() {
		q, err := scanQueueRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue row: %w", err)
		}
		items = append(items, q)
	}
	return items, rows.Err()
}

// DeleteQueue removes a queue by name; the ON DELETE CASCADE foreign key
// removes its messages too. Returns pgx.ErrNoRows if absent.
func (s *Store) DeleteQueue(ctx context.Context, name string) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM queues WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("deleting queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// InsertMessage inserts one message into queueID.
func (s *Store) InsertMessage(ctx context.Context, queueID int64, now, visibleDate, expireDate float64, body, mediaType string, priority int16) error {
	query := `INSERT INTO messages (queue_id, create_date, visible_date, expire_date, body, type, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.dbtx.Exec(ctx, query, queueID, now, visibleDate, expireDate, body, mediaType, priority)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// IncrementInsertCount bumps a queue's insert_count by n.
func (s *Store) IncrementInsertCount(ctx context.Context, queueID int64, n int64) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE queues SET insert_count = insert_count + $2 WHERE id = $1`, queueID, n)
	if err != nil {
		return fmt.Errorf("incrementing insert_count: %w", err)
	}
	return nil
}

const messageColumns = `id, queue_id, create_date, visible_date, expire_date, body, type, priority, lease_date, lease_uuid, lease_timeout`

func scanMessageRow(row pgx.Row) (MessageRow, error) {
	var m MessageRow
	err := row.Scan(&m.ID, &m.QueueID, &m.CreateDate, &m.VisibleDate, &m.ExpireDate,
		&m.Body, &m.Type, &m.Priority, &m.LeaseDate, &m.LeaseUUID, &m.LeaseTimeout)
	return m, err
}

// SelectCandidates returns up to limit visible, unleased messages ordered
// by priority DESC, create_date ASC, id ASC, locking the rows against
// concurrent selection so two dequeues never pick the same message.
func (s *Store) SelectCandidates(ctx context.Context, queueID int64, now float64, limit int) ([]MessageRow, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE queue_id = $1 AND lease_date IS NULL AND visible_date <= $2 AND expire_date >= $2
		ORDER BY priority DESC, create_date ASC, id ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED`
	rows, err := s.dbtx.Query(ctx, query, queueID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting candidate messages: %w", err)
	}
	defer rows.Close()

	var items []MessageRow
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// LeaseMessage atomically assigns a freshly generated lease to a message.
func (s *Store) LeaseMessage(ctx context.Context, id int64, now float64, leaseUUID string, leaseTimeout int32) error {
	query := `UPDATE messages SET lease_date = $2, lease_uuid = $3, lease_timeout = $4 WHERE id = $1`
	_, err := s.dbtx.Exec(ctx, query, id, now, leaseUUID, leaseTimeout)
	if err != nil {
		return fmt.Errorf("leasing message: %w", err)
	}
	return nil
}

// DeleteMessageByID deletes a single message by its id (used for the
// delete=1 dequeue path).
func (s *Store) DeleteMessageByID(ctx context.Context, id int64) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

// AckByLease deletes the message in queueID holding leaseUUID. Returns
// pgx.ErrNoRows if no such message exists: never leased, already acked, or
// its lease already expired and was stripped by the sweeper.
func (s *Store) AckByLease(ctx context.Context, queueID int64, leaseUUID string) error {
	tag, err := s.dbtx.Exec(ctx, `DELETE FROM messages WHERE queue_id = $1 AND lease_uuid = $2`, queueID, leaseUUID)
	if err != nil {
		return fmt.Errorf("acking message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// IncrementDeleteCount bumps a queue's delete_count by n. See DESIGN.md for
// why this counter is actually maintained here.
func (s *Store) IncrementDeleteCount(ctx context.Context, queueID int64, n int64) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE queues SET delete_count = delete_count + $2 WHERE id = $1`, queueID, n)
	if err != nil {
		return fmt.Errorf("incrementing delete_count: %w", err)
	}
	return nil
}

// IncrementExpireCount bumps a queue's expire_count by n.
func (s *Store) IncrementExpireCount(ctx context.Context, queueID int64, n int64) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE queues SET expire_count = expire_count + $2 WHERE id = $1`, queueID, n)
	if err != nil {
		return fmt.Errorf("incrementing expire_count: %w", err)
	}
	return nil
}

// Stats computes {visible, leased, delayed} for one queue at now.
func (s *Store) Stats(ctx context.Context, queueID int64, now float64) (StatsResponse, error) {
	query := `SELECT
		count(*) FILTER (WHERE lease_date IS NULL AND visible_date <= $2 AND expire_date >= $2),
		count(*) FILTER (WHERE lease_date IS NOT NULL AND (lease_date + lease_timeout) >= $2),
		count(*) FILTER (WHERE lease_date IS NULL AND visible_date > $2)
		FROM messages WHERE queue_id = $1`
	var stats StatsResponse
	err := s.dbtx.QueryRow(ctx, query, queueID, now).Scan(&stats.Visible, &stats.Leased, &stats.Delayed)
	if err != nil {
		return StatsResponse{}, fmt.Errorf("computing stats: %w", err)
	}
	return stats, nil
}

// ExpiredLeaseRow is a message whose lease has passed its deadline.
type ExpiredLeaseRow struct {
	ID      int64
	QueueID int64
}

// SelectExpiredLeases returns messages whose lease deadline has passed, for
// the LeaseSweeper.
func (s *Store) SelectExpiredLeases(ctx context.Context, now float64) ([]ExpiredLeaseRow, error) {
	query := `SELECT id, queue_id FROM messages WHERE lease_date IS NOT NULL AND (lease_date + lease_timeout) < $1`
	rows, err := s.dbtx.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("selecting expired leases: %w", err)
	}
	defer rows.Close()

	var items []ExpiredLeaseRow
	for rows.Next() {
		var r ExpiredLeaseRow
		if err := rows.Scan(&r.ID, &r.QueueID); err != nil {
			return nil, fmt.Errorf("scanning expired lease row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// ClearLease strips the lease triple from a message, returning it to the
// visible state.
func (s *Store) ClearLease(ctx context.Context, id int64) error {
	query := `UPDATE messages SET lease_date = NULL, lease_uuid = NULL, lease_timeout = NULL WHERE id = $1`
	_, err := s.dbtx.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("clearing lease: %w", err)
	}
	return nil
}

// ExpiredMessageRow is a message whose retention has elapsed unleased.
type ExpiredMessageRow struct {
	ID      int64
	QueueID int64
}

// SelectExpiredMessages returns retention-expired, unleased messages for
// the MessageSweeper.
func (s *Store) SelectExpiredMessages(ctx context.Context, now float64) ([]ExpiredMessageRow, error) {
	query := `SELECT id, queue_id FROM messages WHERE lease_date IS NULL AND expire_date < $1`
	rows, err := s.dbtx.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("selecting expired messages: %w", err)
	}
	defer rows.Close()

	var items []ExpiredMessageRow
	for rows.Next() {
		var r ExpiredMessageRow
		if err := rows.Scan(&r.ID, &r.QueueID); err != nil {
			return nil, fmt.Errorf("scanning expired message row: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}
