package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-accounts/cmd/accounts/cli"
	"github.com/odyssey-erp/odyssey-accounts/internal/app"
	"github.com/odyssey-erp/odyssey-accounts/internal/ledger"
	ledgerhttp "github.com/odyssey-erp/odyssey-accounts/internal/ledger/http"
	"github.com/odyssey-erp/odyssey-accounts/internal/observability"
	"github.com/odyssey-erp/odyssey-accounts/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-accounts/internal/platform/db"
	"github.com/odyssey-erp/odyssey-accounts/jobs"
)

const usage = `usage: accounts <command> [flags]

commands:
  serve                      run the ops HTTP server
  migrate                    apply the ledger schema
  init                       create the core accounts
  sweep [--as-of T]          close expired accounts now
  enqueue-sweep [--as-of T]  queue an expiry sweep for the worker
  queue                      show job queue statistics
  gen-code                   print an unused account code
  close|freeze|thaw <id>     change an account's status
  max-refund <reference>     print the refundable amount of a transfer
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping accounts startup")
		return
	}
	if len(os.Args) < 2 {
		_, _ = fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	code := run(ctx, cfg, logger, os.Args[1], os.Args[2:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, command string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOut := fs.Bool("json", false, "print JSON output")
	asOf := fs.String("as-of", "", "sweep as of this RFC3339 time")
	actorID := fs.Int64("actor-id", 0, "user id recorded on the change")
	username := fs.String("username", "", "username recorded on the change")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	out := cli.Output{JSON: *jsonOut, Stdout: os.Stdout, Stderr: os.Stderr}

	switch command {
	case "queue":
		return withJobs(cfg, logger, func(jc *cli.JobsCLI) int {
			return jc.QueueCommand(ctx, out)
		})
	case "enqueue-sweep":
		return withJobs(cfg, logger, func(jc *cli.JobsCLI) int {
			info, err := jc.EnqueueSweep(ctx, 0, *asOf)
			if err != nil {
				_, _ = fmt.Fprintf(out.Stderr, "enqueue-sweep: %v\n", err)
				return 1
			}
			_, _ = fmt.Fprintf(out.Stdout, "queued %s (%s)\n", info.ID, info.Queue)
			return 0
		})
	case "help", "-h", "--help":
		_, _ = fmt.Fprint(os.Stdout, usage)
		return 0
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	if command == "migrate" {
		if err := ledger.Migrate(ctx, pool); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			return 1
		}
		logger.Info("ledger schema applied")
		return 0
	}
	if command == "serve" {
		return serve(ctx, cfg, logger, pool)
	}

	svc, err := app.NewLedgerService(cfg, pool, logger, nil)
	if err != nil {
		logger.Error("init ledger", slog.Any("error", err))
		return 1
	}
	ledgerCLI, err := cli.NewLedgerCLI(svc, cfg.CoreAccountNames())
	if err != nil {
		logger.Error("init ledger cli", slog.Any("error", err))
		return 1
	}

	switch command {
	case "init":
		return ledgerCLI.InitCommand(ctx, out)
	case "sweep":
		return ledgerCLI.SweepCommand(ctx, cli.SweepOptions{Output: out, AsOf: *asOf})
	case "gen-code":
		return ledgerCLI.GenCodeCommand(ctx, out)
	case "close", "freeze", "thaw":
		id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
		if err != nil {
			_, _ = fmt.Fprintf(out.Stderr, "%s: invalid account id %q\n", command, fs.Arg(0))
			return 2
		}
		return ledgerCLI.StatusCommand(ctx, cli.StatusOptions{Output: out, Action: command, AccountID: id, ActorID: *actorID, Username: *username})
	case "max-refund":
		return ledgerCLI.MaxRefundCommand(ctx, fs.Arg(0), out)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}
}

func withJobs(cfg *app.Config, logger *slog.Logger, fn func(*cli.JobsCLI) int) int {
	jc, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer closeQuietly(logger, "jobs cli", jc)
	return fn(jc)
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger, pool *pgxpool.Pool) int {
	metrics := observability.NewMetrics()
	svc, err := app.NewLedgerService(cfg, pool, logger, metrics)
	if err != nil {
		logger.Error("init ledger", slog.Any("error", err))
		return 1
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer closeQuietly(logger, "asynq inspector", inspector)

	checks := map[string]app.ReadinessCheck{"postgres": pool.Ping}
	if redisClient != nil {
		defer closeQuietly(logger, "redis", redisClient)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		LedgerHandler: ledgerhttp.NewHandler(svc, logger),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
		Checks:        checks,
	})
	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("ops server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		logger.Error("ops server", slog.Any("error", err))
		return 1
	}
	return 0
}

func closeQuietly(logger *slog.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn("close "+name, slog.Any("error", err))
	}
}
