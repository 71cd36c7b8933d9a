// Package broker implements spec.md §4.5: the database handle, backing
// store, and in-memory registry of live Queue objects that every producer
// and subscriber call through. Grounded on infinite_queue/broker.py for
// get_or_create_queue/replay/close. The Broker runs no background loop
// of its own: the sweeper is started and stopped separately, and Close
// only flushes the live queues and closes the database.
package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/klahnakoski/infinite-queue/internal/backing"
	"github.com/klahnakoski/infinite-queue/internal/clock"
	"github.com/klahnakoski/infinite-queue/internal/logger"
	"github.com/klahnakoski/infinite-queue/internal/queue"
	"github.com/klahnakoski/infinite-queue/internal/schemaerr"
	"github.com/klahnakoski/infinite-queue/internal/store"
	"github.com/klahnakoski/infinite-queue/internal/subscription"
)

// Defaults from §6's "Configuration" table.
const (
	DefaultBlockSizeMB         = 8
	DefaultConfirmDelaySeconds = 60
	DefaultLookAheadSerial     = 1000
)

// Broker owns the database, the backing store, and the registry of live
// queues. It is the only type that constructs Queue/Subscription handles.
type Broker struct {
	db      *store.DB
	backing backing.Backing
	clock   clock.Clock

	mu     sync.Mutex
	queues map[string]*queue.Queue
}

func New(db *store.DB, b backing.Backing, c clock.Clock) *Broker {
	return &Broker{
		db:      db,
		backing: b,
		clock:   c,
		queues:  make(map[string]*queue.Queue),
	}
}

// GetOrCreateQueue returns the named queue's in-memory handle, creating
// the row (and its default subscriber) on first use, per §4.5. Lookup is
// first in the in-memory registry, and the registry is re-checked before
// registering, so a live process never hands out two different handles
// for the same name even under concurrent callers.
func (b *Broker) GetOrCreateQueue(ctx context.Context, name string, blockSizeMB int64) (*queue.Queue, error) {
	b.mu.Lock()
	if q, ok := b.queues[name]; ok {
		b.mu.Unlock()
		return q, nil
	}
	b.mu.Unlock()

	var row store.QueueRow
	err := b.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		err := tx.Raw(`
			SELECT id, name, next_serial, block_start, block_end, block_write, block_size_bytes
			FROM iq_queue WHERE name = ?
		`, name).Scan(&row).Error
		if err != nil {
			return errors.Wrap(err, "look up queue row")
		}
		if row.ID != 0 {
			return nil
		}

		id, err := b.db.NextID(ctx)
		if err != nil {
			return errors.Wrap(err, "allocate queue id")
		}
		now := b.clock.Now()
		blockSizeBytes := blockSizeMB * 1024 * 1024
		if err := tx.Exec(`
			INSERT INTO iq_queue (id, name, next_serial, block_start, block_end, block_write, block_size_bytes)
			VALUES (?, ?, 1, 1, 1, ?, ?)
		`, id, name, now, blockSizeBytes).Error; err != nil {
			return errors.Wrap(err, "insert queue row")
		}

		subID, err := b.db.NextID(ctx)
		if err != nil {
			return errors.Wrap(err, "allocate default subscriber id")
		}
		if err := tx.Exec(`
			INSERT INTO iq_subscriber
				(id, external_id, queue, confirm_delay_seconds, look_ahead_serial,
				 last_confirmed_serial, next_emit_serial, last_emit_timestamp)
			VALUES (?, ?, ?, ?, ?, 0, 1, ?)
		`, subID, defaultExternalID(name), id, DefaultConfirmDelaySeconds, DefaultLookAheadSerial, now).Error; err != nil {
			return errors.Wrap(err, "insert default subscriber row")
		}

		row = store.QueueRow{
			ID: id, Name: name, NextSerial: 1, BlockStart: 1, BlockEnd: 1,
			BlockWrite: now, BlockSizeBytes: blockSizeBytes,
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "get or create queue")
	}

	q := queue.New(b.db, row, b.backing, b.clock)

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.queues[name]; ok {
		// Lost a race against a concurrent first caller; keep theirs.
		return existing, nil
	}
	b.queues[name] = q
	return q, nil
}

// defaultExternalID gives the queue's default subscriber a stable,
// human-legible handle instead of minting a random UUID, since exactly
// one default subscriber ever exists per queue name.
func defaultExternalID(queueName string) string {
	return "default:" + queueName
}

// GetSubscriber returns the default subscriber for the named queue — the
// one with the minimum id under that queue, per §4.5.
func (b *Broker) GetSubscriber(ctx context.Context, name string) (*subscription.Subscription, error) {
	q, err := b.lookupQueue(ctx, name)
	if err != nil {
		return nil, err
	}

	var subID int64
	err = b.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Raw(`SELECT min(id) FROM iq_subscriber WHERE queue = ?`, q.ID()).Scan(&subID).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "look up default subscriber")
	}
	if subID == 0 {
		return nil, errors.Errorf("queue %s has no subscribers", name)
	}
	return subscription.New(b.db, q, b.clock, subID), nil
}

// Replay allocates a new subscriber with an explicit starting position,
// per §4.5's replay(). A confirm_delay_seconds=0 replayer never waits
// between resend and next pop — suited to tight-loop historical reads.
func (b *Broker) Replay(ctx context.Context, name string, confirmDelaySeconds, nextEmitSerial, lookAheadSerial int64) (*subscription.Subscription, error) {
	q, err := b.lookupQueue(ctx, name)
	if err != nil {
		return nil, err
	}

	var subID int64
	err = b.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		id, err := b.db.NextID(ctx)
		if err != nil {
			return errors.Wrap(err, "allocate replay subscriber id")
		}
		now := b.clock.Now()
		if err := tx.Exec(`
			INSERT INTO iq_subscriber
				(id, external_id, queue, confirm_delay_seconds, look_ahead_serial,
				 last_confirmed_serial, next_emit_serial, last_emit_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, "replay:"+uuid.NewString(), q.ID(), confirmDelaySeconds, lookAheadSerial, nextEmitSerial-1, nextEmitSerial, now).Error; err != nil {
			return errors.Wrap(err, "insert replay subscriber row")
		}
		subID = id
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "replay")
	}
	return subscription.New(b.db, q, b.clock, subID), nil
}

// DeleteQueue is Logic-misuse per §7: this broker never removes a queue or
// its history, so the operation is explicitly unsupported rather than
// silently absent.
func (b *Broker) DeleteQueue(name string) error {
	return schemaerr.NewUnsupported("Broker.DeleteQueue", "queue %s cannot be deleted; queues are permanent once created", name)
}

// lookupQueue resolves an already-registered in-memory queue by name,
// loading it from the database if this process hasn't touched it yet
// (e.g. a second process created it).
func (b *Broker) lookupQueue(ctx context.Context, name string) (*queue.Queue, error) {
	b.mu.Lock()
	if q, ok := b.queues[name]; ok {
		b.mu.Unlock()
		return q, nil
	}
	b.mu.Unlock()

	var row store.QueueRow
	err := b.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Raw(`
			SELECT id, name, next_serial, block_start, block_end, block_write, block_size_bytes
			FROM iq_queue WHERE name = ?
		`, name).Scan(&row).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "look up queue")
	}
	if row.ID == 0 {
		return nil, errors.Errorf("no queue named %s", name)
	}

	q := queue.New(b.db, row, b.backing, b.clock)
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.queues[name]; ok {
		return existing, nil
	}
	b.queues[name] = q
	return q, nil
}

// DB exposes the underlying handle for components (the sweeper) that run
// their own transactions outside any single queue or subscription.
func (b *Broker) DB() *store.DB { return b.db }

// Queues returns a snapshot of the live registry, used by the sweeper.
func (b *Broker) Queues() []*queue.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*queue.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, q)
	}
	return out
}

// Close flushes every live queue and closes the database, per §4.5.
// Callers are responsible for stopping any sweeper beforehand; Close
// itself only owns the queues and the connection.
func (b *Broker) Close(ctx context.Context) error {
	var err error
	for _, q := range b.Queues() {
		if flushErr := q.Flush(ctx); flushErr != nil {
			err = multierr.Append(err, errors.Wrapf(flushErr, "flush queue %s on close", q.Name()))
		}
	}
	if closeErr := b.db.Close(); closeErr != nil {
		err = multierr.Append(err, errors.Wrap(closeErr, "close database"))
	}
	logger.Infow("broker closed", "queues", len(b.queues))
	return err
}

