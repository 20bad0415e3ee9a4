package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pysugar/hostaway-sync/internal/config"
	"github.com/pysugar/hostaway-sync/internal/db"
	"github.com/pysugar/hostaway-sync/internal/logging"
	"github.com/pysugar/hostaway-sync/internal/syncer"
	"github.com/pysugar/hostaway-sync/internal/version"
	"github.com/urfave/cli/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func rootCommand() *cli.Command {
	return &cli.Command{
		Name:    "hostaway-sync",
		Usage:   "sync Hostaway listings, reservations and messages into a relational store",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.Commit, version.BuildTime),
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			migrateCommand(),
			fetchCommand(),
		},
	}
}

func commonFlags(extra ...cli.Flag) []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{
			Sources: cli.EnvVars(config.ConfigPathEnv),
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a YAML config file",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "override the log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "database-url",
			Usage: "override the database DSN",
		},
	}, extra...)
}

// setup loads configuration, applies flag overrides and builds the logger.
func setup(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v := cmd.String("database-url"); v != "" {
		cfg.Database.URL = v
	}
	if cmd.IsSet("dry-run") {
		cfg.Sync.DryRun = cmd.Bool("dry-run")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP server and the periodic sync scheduler",
		Flags: commonFlags(
			&cli.StringFlag{Name: "host", Usage: "bind address"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "listen port"},
			&cli.BoolFlag{Name: "dry-run", Usage: "fetch and normalize without writing"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if v := cmd.String("host"); v != "" {
				cfg.Server.Host = v
			}
			if v := cmd.Int("port"); v != 0 {
				cfg.Server.Port = int(v)
			}
			if err := cfg.ValidateServer(); err != nil {
				return err
			}

			logger.Info("starting hostaway-sync",
				zap.String("version", version.Version),
				zap.String("addr", cfg.Server.Addr()),
				zap.Bool("dry_run", cfg.Sync.DryRun),
				zap.Duration("sync_interval", cfg.Sync.Interval))

			app := newApp(cfg, logger, serverModule)
			if err := app.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			logger.Info("shutting down")

			stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "run one sync of a single account or of every active account",
		Flags: commonFlags(
			&cli.IntFlag{Name: "account", Aliases: []string{"a"}, Usage: "account id; all active accounts when omitted"},
			&cli.BoolFlag{Name: "dry-run", Usage: "fetch and normalize without writing"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			var svc *syncer.Service
			app := newApp(cfg, logger, fx.Populate(&svc))
			if err := app.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
				defer cancel()
				app.Stop(stopCtx)
			}()

			var reports []syncer.Report
			if id := cmd.Int("account"); id != 0 {
				report, err := svc.SyncAccount(ctx, id, cfg.Sync.DryRun)
				reports = append(reports, report)
				if err != nil {
					printReports(reports)
					return err
				}
			} else {
				reports, err = svc.SyncAllAccounts(ctx, cfg.Sync.DryRun)
				if err != nil {
					return err
				}
			}
			printReports(reports)

			for _, r := range reports {
				if r.Err != nil {
					return fmt.Errorf("%d of %d account syncs failed", failed(reports), len(reports))
				}
			}
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create or update the database schema and exit",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			database, err := db.InitDB(cfg.Database.Driver, cfg.Database.URL, logger)
			if err != nil {
				return err
			}
			sqlDB, err := database.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			logger.Info("schema up to date")
			return nil
		},
	}
}

func printReports(reports []syncer.Report) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(reports)
}

func failed(reports []syncer.Report) int {
	n := 0
	for _, r := range reports {
		if r.Err != nil {
			n++
		}
	}
	return n
}
