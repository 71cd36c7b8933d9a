package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// NextID allocates the next value from the single monotonic counter shared
// by every entity kind (Queue, Subscriber), per spec §4.2: "a single
// monotonic counter persisted in a version table, serving all entity
// kinds... ids need not be dense, only unique and increasing." Grounded on
// infinite_queue/broker.py's id_generator (UPDATE ... RETURNING against one
// counter row).
func (d *DB) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := d.WithTx(ctx, func(ctx context.Context, tx *gorm.DB) error {
		row := tx.Raw(`
			UPDATE iq_version
			SET next_id = next_id + 1
			WHERE id = 1
			RETURNING next_id - 1
		`).Row()
		if row.Err() != nil {
			return row.Err()
		}
		return row.Scan(&id)
	})
	if err != nil {
		return 0, errors.Wrap(err, "allocate id")
	}
	return id, nil
}
