// Package dbtest gives each test its own rolled-back transaction against
// a real postgres, via DATA-DOG/go-txdb wrapping lib/pq — mirroring the
// teacher's pgtest.NewGormDB(t) helper (referenced from
// core/services/balance_monitor_test.go) without requiring a fresh
// database per test run.
package dbtest

import (
	"database/sql"
	"os"
	"sync"
	"testing"

	txdb "github.com/DATA-DOG/go-txdb"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/klahnakoski/infinite-queue/internal/store"
)

const driverName = "iq_txdb"

var registerOnce sync.Once

// New opens a connection to TEST_DATABASE_URL (or DATABASE_URL) wrapped in
// a transaction that txdb rolls back when the test's *sql.DB is closed,
// and migrates the schema on it. t.Cleanup handles the close.
func New(t *testing.T) *store.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres-backed test")
	}

	registerOnce.Do(func() {
		txdb.Register(driverName, "postgres", dsn)
	})

	sqlDB, err := sql.Open(driverName, uuid.NewString())
	if err != nil {
		t.Fatalf("open txdb connection: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := store.Migrate(sqlDB); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}

	gdb, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: sqlDB}), &gorm.Config{})
	if err != nil {
		t.Fatalf("open gorm over txdb connection: %v", err)
	}
	return store.NewFromGorm(gdb)
}
