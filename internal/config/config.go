// Package config loads the broker's TOML configuration with
// spf13/viper (+ mitchellh/mapstructure for decoding, mitchellh/go-homedir
// for "~"-relative paths), per §6's "Configuration" external interface:
// a backing union (directory vs. object-store) and a database connection
// spec, plus the Queue/Subscriber defaults.
package config

import (
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/klahnakoski/infinite-queue/internal/broker"
)

// Backing selects filesystem mode when Directory is set; any other shape
// (e.g. only an s3 table) selects object-store mode, per §6.
type Backing struct {
	Directory string `mapstructure:"directory"`
	S3        *S3    `mapstructure:"s3"`
}

type S3 struct {
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
}

type Database struct {
	DSN string `mapstructure:"dsn"`
}

type Queue struct {
	BlockSizeMB int64 `mapstructure:"block_size_mb"`
}

type Subscriber struct {
	ConfirmDelaySeconds int64 `mapstructure:"confirm_delay_seconds"`
	LookAheadSerial     int64 `mapstructure:"look_ahead_serial"`
}

type Sweep struct {
	IntervalSeconds int64 `mapstructure:"interval_seconds"`
}

type Config struct {
	Backing    Backing    `mapstructure:"backing"`
	Database   Database   `mapstructure:"database"`
	Queue      Queue      `mapstructure:"queue"`
	Subscriber Subscriber `mapstructure:"subscriber"`
	Sweep      Sweep      `mapstructure:"sweep"`
}

func defaults() Config {
	return Config{
		Queue:      Queue{BlockSizeMB: broker.DefaultBlockSizeMB},
		Subscriber: Subscriber{ConfirmDelaySeconds: broker.DefaultConfirmDelaySeconds, LookAheadSerial: broker.DefaultLookAheadSerial},
		Sweep:      Sweep{IntervalSeconds: 60},
	}
}

// Load reads a TOML config file (expanding a leading "~") and overlays it
// on the spec's defaults.
func Load(path string) (Config, error) {
	cfg := defaults()

	expanded, err := homedir.Expand(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "expand config path %s", path)
	}

	v := viper.New()
	v.SetConfigFile(expanded)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return cfg, errors.Wrapf(err, "read config file %s", expanded)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

// IsObjectStore reports whether the backing config selects S3 mode
// (any shape other than a populated Directory, per §6).
func (b Backing) IsObjectStore() bool {
	return b.Directory == ""
}
