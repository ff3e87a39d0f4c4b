package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/tqs-project/tqs/internal/telemetry"
)

// LeaseSweeper periodically releases leases whose deadline has passed,
// returning the message to the visible state. Default period 2.5s.
type LeaseSweeper struct {
	tx       TxRunner
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewLeaseSweeper creates a LeaseSweeper.
func NewLeaseSweeper(tx TxRunner, clk clock.Clock, interval time.Duration, logger *slog.Logger) *LeaseSweeper {
	return &LeaseSweeper{tx: tx, clock: clk, interval: interval, logger: logger}
}

// Run blocks, sweeping every interval until ctx is cancelled. Sweeps are
// best-effort; a missed tick is not compensated.
func (sw *LeaseSweeper) Run(ctx context.Context) {
	timer := sw.clock.NewTimer(sw.interval)
	defer timer.Stop()

	sw.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			sw.tick(ctx)
			timer.Reset(sw.interval)
		}
	}
}

func (sw *LeaseSweeper) tick(ctx context.Context) {
	start := sw.clock.Now()
	now := float64(start.UnixNano()) / 1e9

	var cleared int
	err := sw.tx.WithTx(ctx, func(s storeOps) error {
		expired, err := s.SelectExpiredLeases(ctx, now)
		if err != nil {
			return err
		}
		for _, lease := range expired {
			if err := s.ClearLease(ctx, lease.ID); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	if err != nil {
		sw.logger.Error("lease sweep failed", "error", err)
		return
	}

	telemetry.SweepDuration.WithLabelValues("lease").Observe(sw.clock.Now().Sub(start).Seconds())
	if cleared > 0 {
		telemetry.LeasesExpiredTotal.Add(float64(cleared))
		sw.logger.Info("lease sweep cleared expired leases", "count", cleared)
	}
}

// MessageSweeper periodically deletes messages whose retention has
// elapsed while unleased. Default period 15s. A leased message past
// its retention is untouched until LeaseSweeper clears its lease.
type MessageSweeper struct {
	tx       TxRunner
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewMessageSweeper creates a MessageSweeper.
func NewMessageSweeper(tx TxRunner, clk clock.Clock, interval time.Duration, logger *slog.Logger) *MessageSweeper {
	return &MessageSweeper{tx: tx, clock: clk, interval: interval, logger: logger}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (sw *MessageSweeper) Run(ctx context.Context) {
	timer := sw.clock.NewTimer(sw.interval)
	defer timer.Stop()

	sw.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			sw.tick(ctx)
			timer.Reset(sw.interval)
		}
	}
}

func (sw *MessageSweeper) tick(ctx context.Context) {
	start := sw.clock.Now()
	now := float64(start.UnixNano()) / 1e9

	counts := map[int64]int64{}
	err := sw.tx.WithTx(ctx, func(s storeOps) error {
		expired, err := s.SelectExpiredMessages(ctx, now)
		if err != nil {
			return err
		}
		for _, msg := range expired {
			if err := s.DeleteMessageByID(ctx, msg.ID); err != nil {
				return err
			}
			counts[msg.QueueID]++
		}
		for queueID, n := range counts {
			if err := s.IncrementExpireCount(ctx, queueID, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		sw.logger.Error("message sweep failed", "error", err)
		return
	}

	telemetry.SweepDuration.WithLabelValues("message").Observe(sw.clock.Now().Sub(start).Seconds())
	var total int64
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		telemetry.MessagesExpiredTotal.Add(float64(total))
		sw.logger.Info("message sweep deleted retention-expired messages", "count", total)
	}
}

// StatsReporter periodically refreshes the QueueDepth gauge from Stats so
// it reflects current visible/leased/delayed counts between scrapes.
type StatsReporter struct {
	tx       TxRunner
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewStatsReporter creates a StatsReporter.
func NewStatsReporter(tx TxRunner, clk clock.Clock, interval time.Duration, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{tx: tx, clock: clk, interval: interval, logger: logger}
}

// Run blocks, refreshing gauges every interval until ctx is cancelled.
func (r *StatsReporter) Run(ctx context.Context) {
	timer := r.clock.NewTimer(r.interval)
	defer timer.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			r.tick(ctx)
			timer.Reset(r.interval)
		}
	}
}

func (r *StatsReporter) tick(ctx context.Context) {
	now := float64(r.clock.Now().UnixNano()) / 1e9

	err := r.tx.WithTx(ctx, func(s storeOps) error {
		queues, err := s.ListQueues(ctx)
		if err != nil {
			return err
		}
		for _, q := range queues {
			stats, err := s.Stats(ctx, q.ID, now)
			if err != nil {
				return err
			}
			telemetry.QueueDepth.WithLabelValues(q.Name, "visible").Set(float64(stats.Visible))
			telemetry.QueueDepth.WithLabelValues(q.Name, "leased").Set(float64(stats.Leased))
			telemetry.QueueDepth.WithLabelValues(q.Name, "delayed").Set(float64(stats.Delayed))
		}
		return nil
	})
	if err != nil {
		r.logger.Error("stats report failed", "error", err)
	}
}
