// Package subscription implements spec.md §4.4: the durable delivery
// cursor, its resend/advance pop paths, confirm, and the rehydrate-on-miss
// recovery the original left as an unimplemented stub (infinite_queue's
// subscription.py logs "not handled yet, load block" and returns nothing).
// SQL style follows internal/queue: raw statements through the
// context-carried transaction.
package subscription

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/klahnakoski/infinite-queue/internal/clock"
	"github.com/klahnakoski/infinite-queue/internal/logger"
	"github.com/klahnakoski/infinite-queue/internal/metrics"
	"github.com/klahnakoski/infinite-queue/internal/queue"
	"github.com/klahnakoski/infinite-queue/internal/schemaerr"
	"github.com/klahnakoski/infinite-queue/internal/store"
)

// Subscription is a durable cursor over one Queue. It never skips a
// message; unconfirmed deliveries are retried at confirm_delay_seconds.
type Subscription struct {
	db    *store.DB
	queue *queue.Queue
	clock clock.Clock

	id int64
}

func New(db *store.DB, q *queue.Queue, c clock.Clock, id int64) *Subscription {
	return &Subscription{db: db, queue: q, clock: c, id: id}
}

func (s *Subscription) ID() int64 { return s.id }

// SetLookAhead adjusts how many serials past next_emit_serial the sweep's
// reachability check must still treat as pinned (§4.6 phase 2). Operator
// scenarios shrink this to 0 on a subscriber that will never resume, so
// the sweep can reclaim rows the moment they're confirmed.
func (s *Subscription) SetLookAhead(ctx context.Context, lookAheadSerial int64) error {
	err := s.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Exec(`UPDATE iq_subscriber SET look_ahead_serial = ? WHERE id = ?`,
			lookAheadSerial, s.id).Error
	})
	return errors.Wrap(err, "set look-ahead")
}

// Pop delivers the next message, preferring a stale resend over a fresh
// advance, per §4.4. serial==0 with a nil error means nothing is
// available right now.
func (s *Subscription) Pop(ctx context.Context) (int64, string, error) {
	var serial int64
	var content string
	var ok, isResend bool

	err := s.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		serial, ok, isResend = 0, false, false
		now := s.clock.Now()

		var sub store.SubscriberRow
		if err := tx.Raw(`
			SELECT id, external_id, queue, confirm_delay_seconds, look_ahead_serial,
			       last_confirmed_serial, next_emit_serial, last_emit_timestamp
			FROM iq_subscriber WHERE id = ? FOR UPDATE
		`, s.id).Scan(&sub).Error; err != nil {
			return errors.Wrap(err, "read subscriber row")
		}

		resendBefore := now.Add(-time.Duration(sub.ConfirmDelaySeconds) * time.Second)
		row := tx.Raw(`
			SELECT serial FROM iq_unconfirmed
			WHERE subscriber = ? AND deliver_time <= ?
			ORDER BY serial
			LIMIT 1
		`, s.id, resendBefore).Row()
		var resendSerial int64
		switch err := row.Scan(&resendSerial); {
		case err == nil:
			serial = resendSerial
			isResend = true
		case errors.Is(err, sql.ErrNoRows):
			// No stale delivery: fall through to the advance path.
		default:
			return errors.Wrap(err, "scan resend candidate")
		}

		if serial == 0 {
			var nextSerial int64
			if err := tx.Raw(`SELECT next_serial FROM iq_queue WHERE id = ?`, sub.Queue).
				Scan(&nextSerial).Error; err != nil {
				return errors.Wrap(err, "read queue next_serial")
			}
			if nextSerial <= sub.NextEmitSerial {
				return nil // nothing available
			}
			serial = sub.NextEmitSerial
			if err := tx.Exec(`UPDATE iq_subscriber SET next_emit_serial = ? WHERE id = ?`,
				serial+1, s.id).Error; err != nil {
				return errors.Wrap(err, "advance next_emit_serial")
			}
		}

		var err error
		content, err = s.readOrRehydrate(ctx, tx, serial)
		if err != nil {
			return err
		}

		if err := tx.Exec(`
			INSERT INTO iq_unconfirmed (subscriber, queue, serial, deliver_time)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (subscriber, serial) DO UPDATE SET deliver_time = excluded.deliver_time
		`, s.id, sub.Queue, serial, now).Error; err != nil {
			return errors.Wrap(err, "record delivery")
		}
		if err := tx.Exec(`UPDATE iq_subscriber SET last_emit_timestamp = ? WHERE id = ?`,
			now, s.id).Error; err != nil {
			return errors.Wrap(err, "stamp last_emit_timestamp")
		}
		ok = true
		return nil
	})
	if err != nil {
		return 0, "", errors.Wrap(err, "pop")
	}
	if !ok {
		return 0, "", nil
	}
	metrics.Popped.WithLabelValues(s.queue.Name()).Inc()
	if !isResend {
		// A resend redelivers an already-outstanding iq_unconfirmed row;
		// only the advance path creates a new in-flight delivery.
		metrics.InFlight.WithLabelValues(s.queue.Name()).Inc()
	}
	return serial, content, nil
}

// readOrRehydrate reads the hot Message row at serial, rehydrating its
// cold block on a miss (§4.4 step 3). A miss that still misses after
// rehydration is a schema-invariant violation: the block index promised
// a row that the backing store didn't have.
func (s *Subscription) readOrRehydrate(ctx context.Context, tx *gorm.DB, serial int64) (string, error) {
	content, err := readMessage(tx, s.queue.ID(), serial)
	if err == nil {
		return content, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	logger.Infow("rehydrating cold block for pop miss", "queue", s.queue.Name(), "serial", serial)
	blk, err := s.queue.BlockFor(ctx, serial)
	if err != nil {
		return "", errors.Wrap(err, "locate cold block")
	}
	if err := s.queue.Load(ctx, blk.Path, blk.Serial); err != nil {
		return "", errors.Wrap(err, "rehydrate cold block")
	}

	content, err = readMessage(tx, s.queue.ID(), serial)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", schemaerr.New("Subscription.Pop",
				"block %s claims to cover serial %d but rehydration did not produce it", blk.Path, serial)
		}
		return "", err
	}
	return content, nil
}

func readMessage(tx *gorm.DB, queueID, serial int64) (string, error) {
	var content string
	row := tx.Raw(`SELECT content FROM iq_message WHERE queue = ? AND serial = ?`, queueID, serial).Row()
	if err := row.Scan(&content); err != nil {
		return "", err
	}
	return content, nil
}

// Confirm acknowledges serial and recomputes last_confirmed_serial, per
// §4.4's confirm().
func (s *Subscription) Confirm(ctx context.Context, serial int64) error {
	var deleted int64
	err := s.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		result := tx.Exec(`DELETE FROM iq_unconfirmed WHERE subscriber = ? AND serial = ?`,
			s.id, serial)
		if result.Error != nil {
			return errors.Wrap(result.Error, "delete unconfirmed row")
		}
		deleted = result.RowsAffected

		var nextEmit int64
		if err := tx.Raw(`SELECT next_emit_serial FROM iq_subscriber WHERE id = ?`, s.id).
			Scan(&nextEmit).Error; err != nil {
			return errors.Wrap(err, "read next_emit_serial")
		}

		var minOutstanding sql.NullInt64
		if err := tx.Raw(`SELECT min(serial) FROM iq_unconfirmed WHERE subscriber = ?`, s.id).
			Scan(&minOutstanding).Error; err != nil {
			return errors.Wrap(err, "recompute min outstanding serial")
		}

		floor := nextEmit
		if minOutstanding.Valid {
			floor = minOutstanding.Int64
		}
		return tx.Exec(`UPDATE iq_subscriber SET last_confirmed_serial = ? WHERE id = ?`,
			floor-1, s.id).Error
	})
	if err != nil {
		return errors.Wrap(err, "confirm")
	}
	metrics.Confirmed.WithLabelValues(s.queue.Name()).Inc()
	if deleted > 0 {
		// A repeated confirm deletes nothing; only a real acknowledgement
		// ends an in-flight delivery.
		metrics.InFlight.WithLabelValues(s.queue.Name()).Dec()
	}
	return nil
}
