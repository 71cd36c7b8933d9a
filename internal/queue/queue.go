// Package queue implements spec.md §4.3: per-queue serial allocation,
// push, the flush packer, block-index maintenance, and cold rehydration.
// SQL style is the teacher's core/services/feeds/orm.go idiom — raw
// statements run through *gorm.DB's .Raw()/.Exec() pulled from a
// context-carried transaction (store.TxFromContext).
package queue

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/klahnakoski/infinite-queue/internal/backing"
	"github.com/klahnakoski/infinite-queue/internal/clock"
	"github.com/klahnakoski/infinite-queue/internal/envelope"
	"github.com/klahnakoski/infinite-queue/internal/logger"
	"github.com/klahnakoski/infinite-queue/internal/metrics"
	"github.com/klahnakoski/infinite-queue/internal/schemaerr"
	"github.com/klahnakoski/infinite-queue/internal/store"
)

// Queue is a durable, strictly ordered, logically infinite sequence of
// messages for one name.
type Queue struct {
	db      *store.DB
	backing backing.Backing
	clock   clock.Clock

	id   int64
	name string
}

func New(db *store.DB, row store.QueueRow, b backing.Backing, c clock.Clock) *Queue {
	return &Queue{
		db:      db,
		backing: b,
		clock:   c,
		id:      row.ID,
		name:    row.Name,
	}
}

func (q *Queue) ID() int64    { return q.id }
func (q *Queue) Name() string { return q.name }

// Push assigns the next serial, stamps the message with this queue's ETL
// stage, and inserts the hot row, all inside one transaction (§4.3).
func (q *Queue) Push(ctx context.Context, content string) (int64, error) {
	var serial int64
	err := q.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		var err error
		serial, err = q.allocateSerial(tx)
		if err != nil {
			return err
		}

		now := q.clock.Now()
		path := envelope.DatePath(now.Unix())
		key := q.name + "/" + path + "/" + strconv.FormatInt(serial, 10)

		stamped, err := envelope.Append(content, envelope.QueueStage{
			URL:       q.backing.URL(key),
			Timestamp: now.Unix(),
			DateTime:  envelope.FormatDateTime(now.Unix()),
			Serial:    serial,
		})
		if err != nil {
			return errors.Wrap(err, "stamp envelope")
		}

		return tx.Exec(
			`INSERT INTO iq_message (queue, serial, content) VALUES (?, ?, ?)`,
			q.id, serial, stamped,
		).Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "push")
	}
	metrics.Pushed.WithLabelValues(q.name).Inc()
	return serial, nil
}

func (q *Queue) allocateSerial(tx *gorm.DB) (int64, error) {
	var next int64
	row := tx.Raw(`SELECT next_serial FROM iq_queue WHERE id = ? FOR UPDATE`, q.id).Row()
	if row.Err() != nil {
		return 0, row.Err()
	}
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	if err := tx.Exec(`UPDATE iq_queue SET next_serial = ? WHERE id = ?`, next+1, q.id).Error; err != nil {
		return 0, err
	}
	return next, nil
}

// Flush reads the queue's current flush window and packs it, per §4.3's
// public Flush() — "read the queue row, then call the internal _flush
// below with its block_size_bytes and block_start."
func (q *Queue) Flush(ctx context.Context) error {
	var row store.QueueRow
	err := q.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Raw(`
			SELECT id, name, next_serial, block_start, block_end, block_write, block_size_bytes
			FROM iq_queue WHERE id = ?
		`, q.id).Scan(&row).Error
	})
	if err != nil {
		return errors.Wrap(err, "read queue row for flush")
	}
	return q.flush(ctx, row.BlockSizeBytes, row.BlockStart)
}

type hotRow struct {
	Serial  int64  `db:"serial"`
	Content string `db:"content"`
}

// flush is the packer of §4.3: greedily group contiguous hot rows into
// blocks under blockSizeBytes, write each to the backing store, and commit
// the Queue/Block bookkeeping for each one in its own transaction so a
// later I/O failure leaves prior blocks durable ("partial progress is
// legal").
func (q *Queue) flush(ctx context.Context, blockSizeBytes, blockStart int64) error {
	var rows []hotRow
	err := q.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Raw(`
			SELECT serial, content FROM iq_message
			WHERE queue = ? AND serial >= ?
			ORDER BY serial
		`, q.id, blockStart).Scan(&rows).Error
	})
	if err != nil {
		return errors.Wrap(err, "read hot rows for flush")
	}
	if len(rows) == 0 {
		return nil
	}

	for _, blk := range packBlocks(rows, blockSizeBytes) {
		if err := q.writeBlock(ctx, blk); err != nil {
			// §4.1: "the flush that produced it must not update
			// block_write, block_start, or the Block index." Abort the
			// whole flush; prior committed blocks remain durable.
			return err
		}
		metrics.BlocksWritten.WithLabelValues(q.name).Inc()
	}
	metrics.FlushesRun.WithLabelValues(q.name).Inc()
	return nil
}

type packedBlock struct {
	lines  []string
	isTail bool
}

// packBlocks implements the closing rule of §4.3: start a block with the
// first row, accumulate len(content)+1 per row; close when adding the next
// row would exceed the bound (and the block is non-empty); close the
// final block at end of input, marking it "tail" only if it fits under the
// bound (a zero blockSizeBytes therefore produces one-row blocks, per
// spec.md's explicit test exploit).
func packBlocks(rows []hotRow, blockSizeBytes int64) []packedBlock {
	var blocks []packedBlock
	var cur []hotRow
	var size int64

	flushCur := func(isTail bool) {
		if len(cur) == 0 {
			return
		}
		lines := make([]string, len(cur))
		for i, r := range cur {
			lines[i] = r.Content
		}
		blocks = append(blocks, packedBlock{
			lines:  lines,
			isTail: isTail,
		})
		cur = nil
		size = 0
	}

	for _, r := range rows {
		s := int64(len(r.Content)) + 1
		if len(cur) > 0 && size+s > blockSizeBytes {
			flushCur(false)
		}
		cur = append(cur, r)
		size += s
	}
	if len(cur) > 0 {
		flushCur(size <= blockSizeBytes)
	}
	return blocks
}

func (q *Queue) writeBlock(ctx context.Context, blk packedBlock) error {
	firstStage, err := envelope.LastQueueStage(blk.lines[0])
	if err != nil {
		return errors.Wrap(err, "parse first line envelope")
	}
	lastStage, err := envelope.LastQueueStage(blk.lines[len(blk.lines)-1])
	if err != nil {
		return errors.Wrap(err, "parse last line envelope")
	}

	path := envelope.DatePath(firstStage.Timestamp)
	key := q.name + "/" + path + "/" + strconv.FormatInt(firstStage.Serial, 10)

	logger.Debugw("flush block", "queue", q.name, "key", key, "lines", len(blk.lines), "tail", blk.isTail)

	// A range that was previously written as an open tail and is now
	// closing (or growing into a larger tail) derives the same key from
	// firstStage.Serial, so WriteLines overwrites rather than duplicates
	// the backing object.
	if err := q.backing.WriteLines(ctx, key, blk.lines); err != nil {
		return errors.Wrapf(err, "write block %s", key)
	}

	now := q.clock.Now()
	return q.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if blk.isTail {
			if err := tx.Exec(`UPDATE iq_queue SET block_end = ?, block_write = ? WHERE id = ?`,
				lastStage.Serial+1, now, q.id).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Exec(`UPDATE iq_queue SET block_end = ?, block_start = ?, block_write = ? WHERE id = ?`,
				lastStage.Serial+1, lastStage.Serial+1, now, q.id).Error; err != nil {
				return err
			}
		}

		var exists int64
		if err := tx.Raw(`SELECT count(*) FROM iq_block WHERE queue = ? AND serial = ?`, q.id, firstStage.Serial).
			Scan(&exists).Error; err != nil {
			return err
		}
		if exists > 0 {
			return tx.Exec(`UPDATE iq_block SET last_used = ? WHERE queue = ? AND serial = ?`,
				now, q.id, firstStage.Serial).Error
		}
		return tx.Exec(`INSERT INTO iq_block (queue, serial, path, last_used) VALUES (?, ?, ?, ?)`,
			q.id, firstStage.Serial, path, now).Error
	})
}

// Load rehydrates a cold block into the hot window for serving historical
// reads (§4.3). Re-inserting an existing (queue, serial) row is treated as
// success (idempotent under the primary key).
func (q *Queue) Load(ctx context.Context, path string, blockFirstSerial int64) error {
	key := q.name + "/" + path + "/" + strconv.FormatInt(blockFirstSerial, 10)
	lines, err := q.backing.ReadLines(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "read block %s", key)
	}

	now := q.clock.Now()
	return q.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		for _, line := range lines {
			stage, err := envelope.LastQueueStage(line)
			if err != nil {
				return errors.Wrap(err, "parse rehydrated line envelope")
			}
			if err := tx.Exec(`
				INSERT INTO iq_message (queue, serial, content, rehydrated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (queue, serial) DO NOTHING
			`, q.id, stage.Serial, line, now).Error; err != nil {
				return errors.Wrap(err, "reinsert rehydrated row")
			}
		}
		return nil
	})
}

// BlockFor returns the Block row covering serial — "the greatest serial
// not exceeding target" (§4.4 step 3) — or schemaerr.Violation if none
// exists (a cold block missing its index row is a fatal invariant
// violation per §7).
func (q *Queue) BlockFor(ctx context.Context, serial int64) (store.BlockRow, error) {
	var blk store.BlockRow
	var found int64
	err := q.db.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		result := tx.Raw(`
			SELECT queue, serial, path, last_used FROM iq_block
			WHERE queue = ? AND serial <= ?
			ORDER BY serial DESC
			LIMIT 1
		`, q.id, serial).Scan(&blk)
		found = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return blk, errors.Wrap(err, "find block for serial")
	}
	if found == 0 {
		return blk, schemaerr.New("Queue.BlockFor", "no block indexes serial %d for queue %s", serial, q.name)
	}
	return blk, nil
}

