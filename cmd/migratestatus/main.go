// Command migratestatus prints a read-only snapshot of migration progress:
// record counts per submission status and the most recent transitions. It is
// safe to run while a migration is in flight.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/migrate/internal/config"
	"example.com/migrate/internal/domain"
	"example.com/migrate/internal/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	recent := flag.Int("recent", 10, "number of recent transitions to show")
	flag.Parse()

	logger := log.New(os.Stderr, "[status] ", log.LstdFlags)
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Printf("connect to postgres: %v", err)
		return 1
	}
	defer pool.Close()

	repo := postgres.NewRepository(pool)

	counts, err := repo.StatusCounts(ctx)
	if err != nil {
		logger.Printf("status counts: %v", err)
		return 1
	}

	total := 0
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, status := range []domain.SubmissionStatus{
		domain.SubmissionPending,
		domain.SubmissionSucceeded,
		domain.SubmissionSkippedDup,
		domain.SubmissionFailed,
		domain.SubmissionMissingArtifact,
	} {
		fmt.Fprintf(w, "%s\t%d\n", status, counts[status])
		total += counts[status]
	}
	fmt.Fprintf(w, "TOTAL\t%d\n", total)
	w.Flush()

	if *recent <= 0 {
		return 0
	}

	records, err := repo.RecentTransitions(ctx, *recent)
	if err != nil {
		logger.Printf("recent transitions: %v", err)
		return 1
	}
	if len(records) == 0 {
		return 0
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXTERNAL_ID\tTYPE\tACQUISITION\tSUBMISSION\tREMOTE_ID\tUPDATED")
	for _, rec := range records {
		remote := "-"
		if rec.RemoteID != 0 {
			remote = fmt.Sprintf("%d", rec.RemoteID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			rec.ExternalID, rec.ActivityType, rec.AcquisitionStatus, rec.SubmissionStatus,
			remote, rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return 0
}
