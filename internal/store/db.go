// Package store owns the five relations of spec.md §3 plus the version
// table, and the transaction plumbing every other component runs on top
// of. Query style (raw SQL strings through *gorm.DB's .Raw()/.Exec(),
// sql.ErrNoRows on a missing row) is grounded on the teacher's
// core/services/feeds/orm.go.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type ctxKey int

const txKey ctxKey = 0

// DB wraps the gorm handle plus the retry policy for serialization
// conflicts (spec §7 "Concurrent conflict... Retry transparently").
type DB struct {
	gdb *gorm.DB
}

// Open dials postgres (via pgx/v4 underneath gorm's postgres driver) and
// migrates the schema.
func Open(dsn string) (*DB, error) {
	gdb, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(err, "unwrap sql.DB")
	}
	if err := Migrate(sqlDB); err != nil {
		return nil, err
	}
	return &DB{gdb: gdb}, nil
}

// NewFromGorm wraps an already-open gorm handle, used by internal/dbtest
// to inject a txdb-backed connection.
func NewFromGorm(gdb *gorm.DB) *DB {
	return &DB{gdb: gdb}
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// TxFromContext returns the transaction stashed in ctx by WithTx, or the
// base handle if none is open. Grounded on the teacher's
// core/services/postgres.TxFromContext(ctx, db) idiom used throughout
// feeds/orm.go.
func TxFromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return fallback
}

// WithTx runs fn inside one transaction, retrying on serialization
// conflicts with exponential backoff (jpillora/backoff) up to 5 attempts
// before surfacing the error, per spec §7.
func (d *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(b.Duration())
		}
		err := d.gdb.Transaction(func(tx *gorm.DB) error {
			return fn(context.WithValue(ctx, txKey, tx), tx)
		})
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return errors.Wrap(lastErr, "transaction retries exhausted")
}

func isRetryable(err error) bool {
	// Postgres serialization_failure (40001) and deadlock_detected (40P01).
	type sqlState interface{ SQLState() string }
	if pgErr, ok := errors.Cause(err).(sqlState); ok {
		state := pgErr.SQLState()
		return state == "40001" || state == "40P01"
	}
	return false
}

// ErrNoRows re-exports sql.ErrNoRows so callers outside this package don't
// need to import database/sql directly for the common "not found" check.
var ErrNoRows = sql.ErrNoRows

// Gorm exposes the raw handle for components (sweep, migrations tooling)
// that need it directly, e.g. outside any per-call transaction.
func (d *DB) Gorm() *gorm.DB { return d.gdb }
