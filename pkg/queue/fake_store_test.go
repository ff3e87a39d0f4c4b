package queue

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"
)

// fakeStore is an in-memory storeOps implementation used to test Engine
// logic deterministically, without a Postgres instance. A fakeStore
// wrapped in fakeTxRunner stands in for the real Store+PoolTxRunner pair
// double. True concurrent at-most-one-holder behavior needs a real
// database and is exercised only by integration tests.
type fakeStore struct {
	nextQueueID   int64
	nextMessageID int64
	queues        map[int64]*QueueRow
	queuesByName  map[string]int64
	messages      map[int64]*MessageRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queues:       map[int64]*QueueRow{},
		queuesByName: map[string]int64{},
		messages:     map[int64]*MessageRow{},
	}
}

func (f *fakeStore) CreateQueue(_ context.Context, name string, now float64) (QueueRow, error) {
	if _, exists := f.queuesByName[name]; exists {
		return QueueRow{}, ErrConflict
	}
	f.nextQueueID++
	q := QueueRow{ID: f.nextQueueID, Name: name, CreateDate: now}
	f.queues[q.ID] = &q
	f.queuesByName[name] = q.ID
	return q, nil
}

func (f *fakeStore) GetQueueByName(_ context.Context, name string) (QueueRow, error) {
	id, ok := f.queuesByName[name]
	if !ok {
		return QueueRow{}, pgx.ErrNoRows
	}
	return *f.queues[id], nil
}

func (f *fakeStore) ListQueues(_ context.Context) ([]QueueRow, error) {
	out := make([]QueueRow, 0, len(f.queues))
	for _, q := range f.queues {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateDate < out[j].CreateDate })
	return out, nil
}

func (f *fakeStore) DeleteQueue(_ context.Context, name string) error {
	id, ok := f.queuesByName[name]
	if !ok {
		return pgx.ErrNoRows
	}
	delete(f.queuesByName, name)
	delete(f.queues, id)
	for msgID, m := range f.messages {
		if m.QueueID == id {
			delete(f.messages, msgID)
		}
	}
	return nil
}

func (f *fakeStore) InsertMessage(_ context.Context, queueID int64, now, visibleDate, expireDate float64, body, mediaType string, priority int16) error {
	f.nextMessageID++
	f.messages[f.nextMessageID] = &MessageRow{
		ID: f.nextMessageID, QueueID: queueID, CreateDate: now,
		VisibleDate: visibleDate, ExpireDate: expireDate,
		Body: body, Type: mediaType, Priority: priority,
	}
	return nil
}

func (f *fakeStore) IncrementInsertCount(_ context.Context, queueID int64, n int64) error {
	if q, ok := f.queues[queueID]; ok {
		q.InsertCount += n
	}
	return nil
}

func (f *fakeStore) SelectCandidates(_ context.Context, queueID int64, now float64, limit int) ([]MessageRow, error) {
	var candidates []MessageRow
	for _, m := range f.messages {
		if m.QueueID != queueID {
			continue
		}
		if m.LeaseDate != nil {
			continue
		}
		if m.VisibleDate > now || m.ExpireDate < now {
			continue
		}
		candidates = append(candidates, *m)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.CreateDate != b.CreateDate {
			return a.CreateDate < b.CreateDate
		}
		return a.ID < b.ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (f *fakeStore) LeaseMessage(_ context.Context, id int64, now float64, leaseUUID string, leaseTimeout int32) error {
	m, ok := f.messages[id]
	if !ok {
		return pgx.ErrNoRows
	}
	m.LeaseDate = &now
	m.LeaseUUID = &leaseUUID
	m.LeaseTimeout = &leaseTimeout
	return nil
}

func (f *fakeStore) DeleteMessageByID(_ context.Context, id int64) error {
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) AckByLease(_ context.Context, queueID int64, leaseUUID string) error {
	for id, m := range f.messages {
		if m.QueueID == queueID && m.LeaseUUID != nil && *m.LeaseUUID == leaseUUID {
			delete(f.messages, id)
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (f *fakeStore) IncrementDeleteCount(_ context.Context, queueID int64, n int64) error {
	if q, ok := f.queues[queueID]; ok {
		q.DeleteCount += n
	}
	return nil
}

func (f *fakeStore) IncrementExpireCount(_ context.Context, queueID int64, n int64) error {
	if q, ok := f.queues[queueID]; ok {
		q.ExpireCount += n
	}
	return nil
}

func (f *fakeStore) Stats(_ context.Context, queueID int64, now float64) (StatsResponse, error) {
	var stats StatsResponse
	for _, m := range f.messages {
		if m.QueueID != queueID {
			continue
		}
		switch {
		case m.LeaseDate == nil && m.VisibleDate <= now && m.ExpireDate >= now:
			stats.Visible++
		case m.LeaseDate != nil && (*m.LeaseDate+float64(*m.LeaseTimeout)) >= now:
			stats.Leased++
		case m.LeaseDate == nil && m.VisibleDate > now:
			stats.Delayed++
		}
	}
	return stats, nil
}

func (f *fakeStore) SelectExpiredLeases(_ context.Context, now float64) ([]ExpiredLeaseRow, error) {
	var out []ExpiredLeaseRow
	for _, m := range f.messages {
		if m.LeaseDate != nil && (*m.LeaseDate+float64(*m.LeaseTimeout)) < now {
			out = append(out, ExpiredLeaseRow{ID: m.ID, QueueID: m.QueueID})
		}
	}
	return out, nil
}

func (f *fakeStore) ClearLease(_ context.Context, id int64) error {
	if m, ok := f.messages[id]; ok {
		m.LeaseDate = nil
		m.LeaseUUID = nil
		m.LeaseTimeout = nil
	}
	return nil
}

func (f *fakeStore) SelectExpiredMessages(_ context.Context, now float64) ([]ExpiredMessageRow, error) {
	var out []ExpiredMessageRow
	for _, m := range f.messages {
		if m.LeaseDate == nil && m.ExpireDate < now {
			out = append(out, ExpiredMessageRow{ID: m.ID, QueueID: m.QueueID})
		}
	}
	return out, nil
}

// fakeTxRunner runs fn directly against a single shared fakeStore. Tests
// are single-goroutine, so no real isolation is needed; "transaction"
// reduces to running fn once against the shared state.
type fakeTxRunner struct {
	store *fakeStore
}

func (f fakeTxRunner) WithTx(ctx context.Context, fn func(storeOps) error) error {
	return fn(f.store)
}
