// Package sweep implements spec.md §4.6: the two-phase reclamation sweep
// that runs on a fixed cadence. Phase 1 flushes queues whose last write is
// stale; phase 2 deletes hot rows that are provably unreachable. Grounded
// on infinite_queue/broker.py's _push_to_s3/_cleaner, rescheduled with
// robfig/cron/v3 instead of a raw sleep loop, and ordered with
// theodesp/go-heaps so the stalest queue flushes first when many are due
// at once.
package sweep

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	goheaps "github.com/theodesp/go-heaps"
	"github.com/theodesp/go-heaps/binary_heap"
	"gorm.io/gorm"

	"github.com/klahnakoski/infinite-queue/internal/broker"
	"github.com/klahnakoski/infinite-queue/internal/clock"
	"github.com/klahnakoski/infinite-queue/internal/logger"
	"github.com/klahnakoski/infinite-queue/internal/metrics"
	"github.com/klahnakoski/infinite-queue/internal/store"
)

// Sweeper runs the reclamation sweep on a fixed cadence until stopped.
type Sweeper struct {
	db       *store.DB
	broker   *broker.Broker
	clock    clock.Clock
	interval time.Duration

	cron  *cron.Cron
	entry cron.EntryID
}

func New(db *store.DB, b *broker.Broker, c clock.Clock, interval time.Duration) *Sweeper {
	return &Sweeper{db: db, broker: b, clock: c, interval: interval}
}

// Start schedules the sweep on a "@every interval" cron spec (default one
// minute, per §4.6) and returns immediately; the sweep itself runs on the
// cron's own goroutine.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := "@every " + s.interval.String()
	id, err := s.cron.AddFunc(spec, func() {
		if err := s.Sweep(ctx); err != nil {
			logger.Warnw("sweep failed", "error", err.Error())
		}
	})
	if err != nil {
		return errors.Wrap(err, "schedule sweep")
	}
	s.entry = id
	s.cron.Start()
	return nil
}

// Stop signals the cron scheduler to stop at its next wake; any sweep
// already running completes (§5's "in-flight transactions run to
// completion").
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// dueQueue orders flush candidates by staleness for theodesp/go-heaps:
// the queue with the oldest block_write flushes first.
type dueQueue struct {
	id         int64
	blockWrite time.Time
}

func (d dueQueue) Compare(other goheaps.Item) int {
	o := other.(dueQueue)
	switch {
	case d.blockWrite.Before(o.blockWrite):
		return -1
	case d.blockWrite.After(o.blockWrite):
		return 1
	default:
		return 0
	}
}

// Sweep runs one full two-phase pass: phase 1 flush-due, phase 2
// delete-unreachable, each in its own transaction (§4.6). Sweeps are
// expected to be serialised by the caller (the cron scheduler never runs
// two instances of the same entry concurrently).
func (s *Sweeper) Sweep(ctx context.Context) error {
	if err := s.flushDue(ctx); err != nil {
		return errors.Wrap(err, "phase 1: flush due queues")
	}
	if err := s.deleteUnreachable(ctx); err != nil {
		return errors.Wrap(err, "phase 2: delete unreachable rows")
	}
	return nil
}

func (s *Sweeper) flushDue(ctx context.Context) error {
	now := s.clock.Now()
	cutoff := now.Add(-s.interval)

	type row struct {
		ID         int64     `db:"id"`
		BlockWrite time.Time `db:"block_write"`
	}
	var due []row
	err := s.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Raw(`SELECT id, block_write FROM iq_queue WHERE block_write < ?`, cutoff).Scan(&due).Error
	})
	if err != nil {
		return errors.Wrap(err, "select stale queues")
	}
	if len(due) == 0 {
		return nil
	}

	heap := binary_heap.NewBinaryHeap()
	for _, r := range due {
		heap.Insert(dueQueue{id: r.ID, blockWrite: r.BlockWrite})
	}

	live := make(map[int64]bool)
	for _, q := range s.broker.Queues() {
		live[q.ID()] = true
	}

	for !heap.IsEmpty() {
		item := heap.DeleteMin().(dueQueue)
		if !live[item.id] {
			continue // not loaded by this process; nothing to flush here
		}
		for _, q := range s.broker.Queues() {
			if q.ID() == item.id {
				if err := q.Flush(ctx); err != nil {
					return errors.Wrapf(err, "flush queue %d", item.id)
				}
				break
			}
		}
	}
	return nil
}

// deleteUnreachable runs §4.6 phase 2 as a single statement: a message is
// reclaimable iff nothing has it outstanding, it is either already cold
// (serial < block_start) or a stale rehydrated copy past the grace
// period (DESIGN.md's rehydration-eviction decision), and it falls
// outside every subscriber's look-ahead window.
func (s *Sweeper) deleteUnreachable(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.interval)
	return s.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		result := tx.Exec(`
			DELETE FROM iq_message m
			WHERE NOT EXISTS (
				SELECT 1 FROM iq_unconfirmed u
				WHERE u.queue = m.queue AND u.serial = m.serial
			)
			AND (
				EXISTS (
					SELECT 1 FROM iq_queue q
					WHERE q.id = m.queue AND m.serial < q.block_start
				)
				OR (m.rehydrated_at IS NOT NULL AND m.rehydrated_at < ?)
			)
			AND NOT EXISTS (
				SELECT 1 FROM iq_subscriber s
				WHERE s.queue = m.queue
				  AND s.last_confirmed_serial < m.serial
				  AND m.serial < s.next_emit_serial + s.look_ahead_serial
			)
		`, cutoff)
		if result.Error != nil {
			return result.Error
		}
		metrics.RowsReclaimed.Add(float64(result.RowsAffected))
		return nil
	})
}
