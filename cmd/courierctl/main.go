// Command courierctl is the operator CLI for the notification queue. It talks
// to the database directly, so it works even when the HTTP service is down.
//
// Usage:
//
//	courierctl process-pending [-batch 100]
//	courierctl retry <queue-id>
//	courierctl retry-failed
//	courierctl cancel <queue-id>
//	courierctl clean-sent [-days 90]
//	courierctl stats
//	courierctl resync -file entries.json [-form slug] [-from-id n] [-to-id n] [-force] [-dry-run]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/config"
	"github.com/formhub/courier/internal/db"
	"github.com/formhub/courier/internal/dispatch"
	"github.com/formhub/courier/internal/observ"
	"github.com/formhub/courier/internal/queue"
	"github.com/formhub/courier/internal/rules"
	"github.com/formhub/courier/internal/sender"
	"github.com/formhub/courier/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: courierctl <process-pending|retry|retry-failed|cancel|clean-sent|stats|resync> [flags]")
}

func run(command string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	switch command {
	case "process-pending":
		return processPending(ctx, cfg, repo, logger, args)
	case "retry":
		return retryRow(ctx, repo, args)
	case "retry-failed":
		count, err := repo.RetryAllFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queued %d failed notifications for retry\n", count)
		return nil
	case "cancel":
		return cancelRow(ctx, repo, args)
	case "clean-sent":
		return cleanSent(ctx, cfg, repo, args)
	case "stats":
		return printStats(ctx, repo)
	case "resync":
		return resync(ctx, cfg, repo, logger, args)
	default:
		usage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// inlineDispatcher delivers claimed rows synchronously in this process.
type inlineDispatcher struct {
	worker *worker.Worker
}

func (d inlineDispatcher) Dispatch(ctx context.Context, row *db.QueueRow) error {
	return d.worker.Deliver(ctx, row.ID)
}

// processPending runs one drain cycle: claim due rows and deliver them now.
func processPending(ctx context.Context, cfg *config.Config, repo *db.Repository, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("process-pending", flag.ExitOnError)
	batch := fs.Int("batch", cfg.DrainBatchSize, "max rows to process")
	_ = fs.Parse(args)

	transport := sender.NewMultiTransport(logger,
		sender.NewSMTPTransport(logger),
		sender.NewResendTransport(sender.NewKeeper(cfg.CredentialKey, cfg.HasCredKey), logger),
		sender.NewLogTransport(logger),
	)
	w := worker.New(repo, transport, worker.Config{
		DeliveryTimeout: cfg.DeliveryTimeout,
		BackoffMode:     cfg.BackoffMode,
		BackoffBase:     cfg.BackoffBase,
	}, logger)

	drainer := queue.NewDrainer(repo, inlineDispatcher{worker: w}, queue.DrainerConfig{
		PollInterval: time.Second,
		BatchSize:    *batch,
	}, logger)

	n, err := drainer.ProcessPending(ctx, *batch)
	if err != nil {
		return err
	}
	fmt.Printf("processed %d notifications\n", n)
	return nil
}

func retryRow(ctx context.Context, repo *db.Repository, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("retry requires a queue id")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid queue id: %w", err)
	}
	if err := repo.RetryRow(ctx, id); err != nil {
		return err
	}
	fmt.Printf("notification %s queued for retry\n", id)
	return nil
}

func cancelRow(ctx context.Context, repo *db.Repository, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("cancel requires a queue id")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid queue id: %w", err)
	}
	if err := repo.Cancel(ctx, id); err != nil {
		return err
	}
	fmt.Printf("notification %s cancelled\n", id)
	return nil
}

func cleanSent(ctx context.Context, cfg *config.Config, repo *db.Repository, args []string) error {
	fs := flag.NewFlagSet("clean-sent", flag.ExitOnError)
	days := fs.Int("days", cfg.RetentionDays, "delete sent rows older than this many days (0 disables)")
	_ = fs.Parse(args)

	count, err := repo.DeleteOldSent(ctx, *days)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d sent notifications older than %d days\n", count, *days)
	return nil
}

func printStats(ctx context.Context, repo *db.Repository) error {
	stats, err := repo.Stats(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// resync replays form submission events from a JSON file of entry snapshots.
func resync(ctx context.Context, cfg *config.Config, repo *db.Repository, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("resync", flag.ExitOnError)
	file := fs.String("file", "", "JSON file with an array of entry snapshots")
	form := fs.String("form", "", "only entries for this form slug")
	fromID := fs.Int64("from-id", 0, "lowest entry id to replay (0 = no lower bound)")
	toID := fs.Int64("to-id", 0, "highest entry id to replay (0 = no upper bound)")
	force := fs.Bool("force", false, "re-queue entries that already have notifications")
	dryRun := fs.Bool("dry-run", false, "report what would be replayed without queueing")
	_ = fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("resync requires -file")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read snapshot file: %w", err)
	}
	var entries []dispatch.EntrySnapshot
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse snapshot file: %w", err)
	}

	matcher := rules.NewMatcher(repo, logger)
	resolver := rules.NewResolver(rules.ResolverConfig{
		AdminEmails:     cfg.AdminEmails,
		UserEmailFields: cfg.UserEmailFields,
	}, logger)
	selector := sender.NewSelector(repo, nil, logger)
	writer := queue.NewWriter(repo, nil, queue.WriterConfig{MaxAttempts: cfg.MaxAttempts}, logger)
	events := dispatch.NewService(matcher, resolver, repo, selector, writer, logger)

	req := dispatch.ResyncRequest{
		Entries:  entries,
		FormSlug: *form,
		Force:    *force,
		DryRun:   *dryRun,
	}
	if *fromID > 0 {
		req.FromEntryID = fromID
	}
	if *toID > 0 {
		req.ToEntryID = toID
	}

	result, err := events.Resync(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("resync: %d/%d entries selected, %d queued, %d skipped, %d failed\n",
		result.EntriesSelected, result.EntriesSeen, result.Queued, result.Skipped, result.Failed)
	return nil
}
