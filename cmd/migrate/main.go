package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"

	"example.com/migrate/internal/acquire"
	"example.com/migrate/internal/audit"
	"example.com/migrate/internal/config"
	"example.com/migrate/internal/domain"
	"example.com/migrate/internal/observability"
	"example.com/migrate/internal/pipeline"
	"example.com/migrate/internal/ratelimit"
	"example.com/migrate/internal/source"
	"example.com/migrate/internal/store/postgres"
	"example.com/migrate/internal/strava"
	"example.com/migrate/internal/submit"
	"example.com/migrate/internal/tcx"
)

const (
	exitOK     = 0
	exitConfig = 2
	exitCancel = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		mode            = flag.String("mode", "run", "run or simulate (simulate makes no network mutations and no state changes)")
		batchSize       = flag.Int("batch-size", pipeline.DefaultBatchSize, "records per batch (5, 10, 25, 50, 100, 200 or 300)")
		types           = flag.String("types", "", "comma-separated activity type allowlist (e.g. run,ride); empty allows all")
		yes             = flag.Bool("yes", false, "unattended mode: pause between batches instead of prompting")
		limit           = flag.Int("limit", 0, "cap on records selected for submission (0 means no cap)")
		forceRevalidate = flag.Bool("force-revalidate", false, "re-check artifacts of records already marked valid")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[migrate] ", log.LstdFlags)

	simulate, err := parseMode(*mode)
	if err != nil {
		logger.Printf("invalid -mode: %v", err)
		return exitConfig
	}
	if err := pipeline.ValidateBatchSize(*batchSize); err != nil {
		logger.Printf("%v", err)
		return exitConfig
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Printf("configuration error: %v", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Printf("connect to postgres: %v", err)
		return exitConfig
	}
	defer pool.Close()

	rebuilt, err := postgres.EnsureSchema(ctx, pool, logger)
	if err != nil {
		logger.Printf("ensure schema: %v", err)
		return exitConfig
	}

	repo := postgres.NewRepository(pool)

	if err := populateStore(ctx, repo, cfg, rebuilt, logger); err != nil {
		logger.Printf("populate store: %v", err)
		return exitConfig
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		metricsSrv = observability.NewMetricsServer(cfg.MetricsAddress)
		go func() {
			logger.Printf("metrics listening on %s", cfg.MetricsAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	governor := ratelimit.New(ratelimit.Config{
		UploadBudget: cfg.UploadBudget,
		QueryBudget:  cfg.QueryBudget,
		Buffer:       cfg.CooldownBuffer,
	}, ratelimit.WithLogger(logger))

	fetcher := acquire.NewClient(cfg.SourceBaseURL, cfg.SourceCookie, cfg.ArtifactDir, acquire.WithLogger(logger))
	validator := tcx.NewValidator(tcx.WithLogger(logger))

	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.DestinationToken})
	api := strava.NewClient(cfg.DestinationBaseURL, tokens, strava.WithLogger(logger))

	detector := submit.NewDuplicateDetector(api, governor, validator, cfg.ThrottleRetries, logger)
	engine := submit.NewEngine(api, governor, detector,
		submit.WithLogger(logger),
		submit.WithPollInterval(cfg.PollInterval),
		submit.WithPollTimeout(cfg.PollTimeout),
		submit.WithThrottleRetries(cfg.ThrottleRetries),
	)

	publisher := audit.NewPublisher(cfg.KafkaBrokers, cfg.AuditTopic, logger)
	defer publisher.Close()

	orch := pipeline.New(repo, fetcher, validator, engine, governor, publisher, pipeline.Options{
		BatchSize:     *batchSize,
		ActivityTypes: splitTypes(*types),
		Interactive:   !*yes,
		Simulate:      simulate,
		Limit:         *limit,
		AcquireDelay:  cfg.AcquireDelay,
		SubmitDelay:   cfg.SubmitDelay,
		BatchPause:    cfg.BatchPause,
	}, pipeline.WithLogger(logger), pipeline.WithPrompt(stdinPrompt))

	if rebuilt || *forceRevalidate {
		if err := orch.RevalidateLocal(ctx, *forceRevalidate); err != nil {
			return exitFor(err, logger)
		}
	}

	summary, err := orch.Run(ctx)
	logger.Printf("summary: %s", summary)
	if err != nil {
		return exitFor(err, logger)
	}
	return exitOK
}

func parseMode(mode string) (simulate bool, err error) {
	switch mode {
	case "run":
		return false, nil
	case "simulate":
		return true, nil
	default:
		return false, fmt.Errorf("%q is not one of run, simulate", mode)
	}
}

// populateStore loads the source inventory into the store when the store is
// empty or was just rebuilt. Upserts are idempotent, so re-running against a
// populated store only refreshes descriptive fields.
func populateStore(ctx context.Context, repo *postgres.Repository, cfg config.Config, rebuilt bool, logger *log.Logger) error {
	if !rebuilt {
		counts, err := repo.StatusCounts(ctx)
		if err != nil {
			return err
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		if total > 0 {
			return nil
		}
	}

	f, err := os.Open(cfg.SourceCSVPath)
	if err != nil {
		return fmt.Errorf("open source inventory: %w", err)
	}
	defer f.Close()

	records, err := source.LoadInventory(f, logger)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := repo.UpsertFromSource(ctx, rec); err != nil {
			if errors.Is(err, domain.ErrDuplicateKey) {
				logger.Printf("workout %d: %v; keeping existing row", rec.ExternalID, err)
				continue
			}
			return err
		}
	}
	logger.Printf("store populated with %d records from %s", len(records), cfg.SourceCSVPath)
	return nil
}

func splitTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, strings.ToLower(t))
		}
	}
	return out
}

func stdinPrompt(message string) (bool, error) {
	fmt.Printf("%s [y/N]: ", message)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func exitFor(err error, logger *log.Logger) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, pipeline.ErrOperatorAbort):
		logger.Printf("run stopped: %v", err)
		return exitCancel
	case domain.IsFatal(err):
		logger.Printf("fatal: %v", err)
		return exitConfig
	default:
		logger.Printf("run failed: %v", err)
		return 1
	}
}
