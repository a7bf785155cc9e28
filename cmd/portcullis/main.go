// The portcullis command checks a database session from the shell: `ping`
// runs the session validity probe, and `stamp` commits an empty transaction
// and prints its commit timestamp.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sbowman/portcullis"
	"github.com/sbowman/portcullis/internal/config"
	"github.com/sbowman/portcullis/postgres"
)

func main() {
	app := &cli.App{
		Name:  "portcullis",
		Usage: "check a portcullis session against a PostgreSQL backend",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"PORTCULLIS_CONFIG"},
				Usage:   "YAML configuration file",
			},
			&cli.StringFlag{
				Name:    "uri",
				EnvVars: []string{"PORTCULLIS_URI"},
				Usage:   "database connection string (overrides the config file)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
				Usage: "how long to wait for the probe",
			},
		},

		Commands: []*cli.Command{
			{
				Name:   "ping",
				Usage:  "probe the session and report whether it is valid",
				Action: ping,
			},
			{
				Name:   "stamp",
				Usage:  "commit an empty transaction and print the commit timestamp",
				Action: stamp,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// open builds a session from the CLI flags and config file.
func open(cctx *cli.Context) (*portcullis.Session, *postgres.Backend, error) {
	uri := cctx.String("uri")
	timeout := cctx.Duration("timeout")
	level := zapcore.InfoLevel

	if path := cctx.String("config"); path != "" {
		conf, err := config.Load(path)
		if err != nil {
			return nil, nil, err
		}

		if uri == "" {
			uri = conf.Database.URI
		}

		if conf.Database.ProbeTimeout > 0 {
			timeout = conf.Database.ProbeTimeout
		}

		if err := level.Set(conf.Logging.Level); err != nil {
			return nil, nil, fmt.Errorf("logging.level: %w", err)
		}
	}

	if uri == "" {
		return nil, nil, fmt.Errorf("no database URI; pass --uri or a config file")
	}

	zapConf := zap.NewProductionConfig()
	zapConf.Level = zap.NewAtomicLevelAt(level)

	log, err := zapConf.Build()
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.New(cctx.Context, uri)
	if err != nil {
		return nil, nil, err
	}

	backend := postgres.Open(pool)
	session := portcullis.New(backend, portcullis.WithLogger(log))

	cctx.Context = context.WithValue(cctx.Context, timeoutKey{}, timeout)
	return session, backend, nil
}

type timeoutKey struct{}

// Ping the database through the session validity probe.
func ping(cctx *cli.Context) error {
	session, backend, err := open(cctx)
	if err != nil {
		return err
	}
	defer backend.Shutdown()
	defer func() { _ = session.Close() }()

	timeout := cctx.Context.Value(timeoutKey{}).(time.Duration)

	ok, err := session.Valid(cctx.Context, timeout)
	if err != nil {
		return err
	}

	if !ok {
		return cli.Exit("session is not valid", 1)
	}

	fmt.Println("session is valid")
	return nil
}

// Stamp commits an empty transaction and prints the commit timestamp the
// backend reports for it.
func stamp(cctx *cli.Context) error {
	session, backend, err := open(cctx)
	if err != nil {
		return err
	}
	defer backend.Shutdown()
	defer func() { _ = session.Close() }()

	if err := session.SetAutocommit(cctx.Context, false); err != nil {
		return err
	}

	if err := session.Commit(cctx.Context); err != nil {
		return err
	}

	ts, err := session.CommitTimestamp()
	if err != nil {
		return err
	}

	fmt.Println(ts.Format(time.RFC3339Nano))
	return nil
}
