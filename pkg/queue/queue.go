// Package queue implements the queueing core: queues, lease-based
// dequeue, visibility timeouts, delayed delivery, priority ordering,
// retention, and the expiry sweepers that enforce them.
package queue

// QueueRow is a row from the queues table.
type QueueRow struct {
	ID          int64
	Name        string
	CreateDate  float64
	InsertCount int64
	DeleteCount int64
	ExpireCount int64
}

// MessageRow is a row from the messages table. LeaseDate, LeaseUUID and
// LeaseTimeout are nil when the message is not currently leased.
type MessageRow struct {
	ID           int64
	QueueID      int64
	CreateDate   float64
	VisibleDate  float64
	ExpireDate   float64
	Body         string
	Type         string
	Priority     int16
	LeaseDate    *float64
	LeaseUUID    *string
	LeaseTimeout *int32
}

// CreateQueueRequest is the JSON body for POST /queues.
type CreateQueueRequest struct {
	Name string `json:"name" validate:"required"`
}

// QueueSummary is the JSON shape of a queue in GET /queues.
type QueueSummary struct {
	Name        string  `json:"name"`
	CreateDate  float64 `json:"create_date"`
	InsertCount int64   `json:"insert_count"`
	DeleteCount int64   `json:"delete_count"`
	ExpireCount int64   `json:"expire_count"`
}

// ListQueuesResponse is the JSON body for GET /queues.
type ListQueuesResponse struct {
	Queues []QueueSummary `json:"queues"`
}

// ToSummary converts a QueueRow to its JSON DTO.
func (q QueueRow) ToSummary() QueueSummary {
	return QueueSummary{
		Name:        q.Name,
		CreateDate:  q.CreateDate,
		InsertCount: q.InsertCount,
		DeleteCount: q.DeleteCount,
		ExpireCount: q.ExpireCount,
	}
}

// EnqueueItem is a single message in the JSON body of POST /queues/{name}.
// Delay, Retention and Priority are pointers so "field absent" (apply
// default) is distinguishable from "field present but zero".
type EnqueueItem struct {
	Body      string `json:"body"`
	Type      string `json:"type,omitempty"`
	Delay     *int   `json:"delay,omitempty"`
	Retention *int   `json:"retention,omitempty"`
	Priority  *int   `json:"priority,omitempty"`
}

// EnqueueRequest is the JSON body for POST /queues/{name}.
type EnqueueRequest struct {
	Messages []EnqueueItem `json:"messages"`
}

// MessageResponse is the JSON shape of a message returned from a dequeue.
// Lease fields are omitted (via omitempty on pointer fields) when the
// message was dequeued with delete=1.
type MessageResponse struct {
	ID           int64    `json:"id"`
	CreateDate   float64  `json:"create_date"`
	VisibleDate  float64  `json:"visible_date"`
	ExpireDate   float64  `json:"expire_date"`
	Body         string   `json:"body"`
	Type         string   `json:"type"`
	LeaseDate    *float64 `json:"lease_date,omitempty"`
	LeaseUUID    *string  `json:"lease_uuid,omitempty"`
	LeaseTimeout *int32   `json:"lease_timeout,omitempty"`
}

// DequeueResponse is the JSON body for GET /queues/{name}.
type DequeueResponse struct {
	Messages []MessageResponse `json:"messages"`
}

// ToResponse converts a MessageRow to its JSON DTO. visible_date in the
// response mirrors create_date, matching a historical external contract;
// it is never recomputed from the stored visible_date column.
func (m MessageRow) ToResponse() MessageResponse {
	return MessageResponse{
		ID:           m.ID,
		CreateDate:   m.CreateDate,
		VisibleDate:  m.CreateDate,
		ExpireDate:   m.ExpireDate,
		Body:         m.Body,
		Type:         m.Type,
		LeaseDate:    m.LeaseDate,
		LeaseUUID:    m.LeaseUUID,
		LeaseTimeout: m.LeaseTimeout,
	}
}

// StatsResponse is the JSON shape of per-queue statistics.
type StatsResponse struct {
	Visible int64 `json:"visible"`
	Leased  int64 `json:"leased"`
	Delayed int64 `json:"delayed"`
}

// StatsAllResponse is the JSON body for GET /statistics: queue name to stats.
type StatsAllResponse map[string]StatsResponse
