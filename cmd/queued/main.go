// Command queued runs the infinite-queue broker: an HTTP admin surface,
// the background reclamation sweep, and one-shot operator subcommands.
// CLI shape (serve/stats/replay over urfave/cli) and structured startup
// logging follow the teacher's command conventions.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/klahnakoski/infinite-queue/internal/api"
	"github.com/klahnakoski/infinite-queue/internal/backing"
	"github.com/klahnakoski/infinite-queue/internal/broker"
	"github.com/klahnakoski/infinite-queue/internal/clock"
	"github.com/klahnakoski/infinite-queue/internal/config"
	"github.com/klahnakoski/infinite-queue/internal/logger"
	"github.com/klahnakoski/infinite-queue/internal/metrics"
	"github.com/klahnakoski/infinite-queue/internal/store"
	"github.com/klahnakoski/infinite-queue/internal/sweep"
)

func httpListenAndServe(addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	return srv.ListenAndServe()
}

func metricsRegisterer() prometheus.Registerer {
	return prometheus.DefaultRegisterer
}

func main() {
	app := cli.NewApp()
	app.Name = "queued"
	app.Usage = "durable tiered-log message broker"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "~/.queued.toml", Usage: "path to TOML config"},
	}
	app.Commands = []cli.Command{
		serveCommand,
		statsCommand,
		replayCommand,
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func loadBroker(c *cli.Context) (*config.Config, *broker.Broker, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return &cfg, nil, err
	}

	var back backing.Backing
	if cfg.Backing.IsObjectStore() {
		return &cfg, nil, fmt.Errorf("object-store backing requires constructing an s3.Client first; see internal/backing.NewS3Backing")
	}
	back = backing.NewDirectoryBacking(cfg.Backing.Directory)

	b := broker.New(db, back, clock.System{})
	return &cfg, b, nil
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "run the broker's admin API and reclamation sweep",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "addr", Value: ":8080", Usage: "admin API listen address"},
		cli.StringFlag{Name: "push-rate", Value: "1000-S", Usage: "push rate limit (ulule/limiter format)"},
	},
	Action: func(c *cli.Context) error {
		cfg, b, err := loadBroker(c)
		if err != nil {
			return err
		}

		metrics.MustRegister(metricsRegisterer())

		sweeper := sweep.New(b.DB(), b, clock.System{}, time.Duration(cfg.Sweep.IntervalSeconds)*time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := sweeper.Start(ctx); err != nil {
			return err
		}

		srv, err := api.New(b, c.String("push-rate"))
		if err != nil {
			return err
		}

		errs := make(chan error, 1)
		go func() {
			logger.Infow("serving admin API", "addr", c.String("addr"))
			errs <- httpListenAndServe(c.String("addr"), srv.Handler())
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errs:
			return err
		case <-sig:
			logger.Info("shutdown signal received")
		}

		sweeper.Stop()
		return b.Close(context.Background())
	},
}

var statsCommand = cli.Command{
	Name:      "stats",
	Usage:     "print a queue's name and id",
	ArgsUsage: "<queue-name>",
	Action: func(c *cli.Context) error {
		name := c.Args().First()
		if name == "" {
			return fmt.Errorf("usage: queued stats <queue-name>")
		}
		_, b, err := loadBroker(c)
		if err != nil {
			return err
		}
		q, err := b.GetOrCreateQueue(context.Background(), name, broker.DefaultBlockSizeMB)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"queue", "id"})
		table.Append([]string{color.GreenString(q.Name()), fmt.Sprintf("%d", q.ID())})
		table.Render()
		return nil
	},
}

var replayCommand = cli.Command{
	Name:      "replay",
	Usage:     "create a replay subscriber starting at a given serial",
	ArgsUsage: "<queue-name> <start-serial>",
	Flags: []cli.Flag{
		cli.Int64Flag{Name: "look-ahead", Value: broker.DefaultLookAheadSerial},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return fmt.Errorf("usage: queued replay <queue-name> <start-serial>")
		}
		name := c.Args().Get(0)
		var start int64
		if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &start); err != nil {
			return fmt.Errorf("invalid start serial %q: %w", c.Args().Get(1), err)
		}

		_, b, err := loadBroker(c)
		if err != nil {
			return err
		}
		sub, err := b.Replay(context.Background(), name, 0, start, c.Int64("look-ahead"))
		if err != nil {
			return err
		}
		fmt.Printf("replay subscriber %d created on %s starting at serial %d\n", sub.ID(), name, start)
		return nil
	},
}
