package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/klahnakoski/infinite-queue/internal/broker"
	"github.com/klahnakoski/infinite-queue/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queued.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[database]
dsn = "postgres://localhost/queued"

[backing]
directory = "/var/lib/queued"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/queued", cfg.Database.DSN)
	require.Equal(t, "/var/lib/queued", cfg.Backing.Directory)
	// Sections absent from the file fall back to the spec's defaults.
	require.Equal(t, int64(broker.DefaultBlockSizeMB), cfg.Queue.BlockSizeMB)
	require.Equal(t, int64(broker.DefaultConfirmDelaySeconds), cfg.Subscriber.ConfirmDelaySeconds)
	require.Equal(t, int64(broker.DefaultLookAheadSerial), cfg.Subscriber.LookAheadSerial)
	require.False(t, cfg.Backing.IsObjectStore(), "a populated directory should select filesystem mode")
}

func TestLoadS3Backing(t *testing.T) {
	path := writeConfig(t, `
[backing.s3]
bucket = "queued-archive"
region = "us-east-1"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Backing.IsObjectStore(), "expected s3-only config to select object-store mode")
	require.NotNil(t, cfg.Backing.S3)
	require.Equal(t, "queued-archive", cfg.Backing.S3.Bucket)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err, "expected an error for a nonexistent config file")
}
