//go:build integration

package postgres

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/migrate/internal/domain"
)

func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("migration"),
		postgrescontainer.WithUsername("migrate"),
		postgrescontainer.WithPassword("migrate"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}

func testRecord(id int64, occurred time.Time) domain.WorkoutRecord {
	return domain.WorkoutRecord{
		ExternalID:        id,
		ActivityType:      "Run",
		OccurredAt:        &occurred,
		DisplayName:       "Morning Run",
		Notes:             "easy pace",
		AcquisitionStatus: domain.AcquisitionPending,
		SubmissionStatus:  domain.SubmissionPending,
	}
}

func TestRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	logger := log.New(testWriter{t}, "", 0)

	rebuilt, err := EnsureSchema(ctx, pool, logger)
	require.NoError(t, err)
	require.True(t, rebuilt, "fresh database has no stamp and must rebuild")

	repo := NewRepository(pool)
	occurred := time.Date(2024, 9, 28, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertFromSource(ctx, testRecord(1, occurred)))

	stored, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, domain.AcquisitionPending, stored.AcquisitionStatus)
	require.Equal(t, domain.SubmissionPending, stored.SubmissionStatus)

	// Upsert of the same record with the same date refreshes descriptive
	// fields and preserves lifecycle state.
	stored.AcquisitionStatus = domain.AcquisitionValid
	stored.LocalArtifactPath = "/tmp/1.tcx"
	require.NoError(t, repo.Commit(ctx, stored))

	refreshed := testRecord(1, occurred)
	refreshed.DisplayName = "Renamed Run"
	require.NoError(t, repo.UpsertFromSource(ctx, refreshed))

	stored, err = repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Renamed Run", stored.DisplayName)
	require.Equal(t, domain.AcquisitionValid, stored.AcquisitionStatus)
	require.Equal(t, "/tmp/1.tcx", stored.LocalArtifactPath)

	// A conflicting date for the same id is a key collision, not an update.
	conflicting := testRecord(1, occurred.AddDate(0, 0, 3))
	err = repo.UpsertFromSource(ctx, conflicting)
	require.ErrorIs(t, err, domain.ErrDuplicateKey)

	// Commit the full submission outcome and read it back by status.
	stored.SubmissionStatus = domain.SubmissionSucceeded
	stored.RemoteID = 9001
	require.NoError(t, repo.Commit(ctx, stored))

	succeeded, err := repo.ListBySubmissionStatus(ctx, domain.SubmissionSucceeded)
	require.NoError(t, err)
	require.Len(t, succeeded, 1)
	require.Equal(t, int64(9001), succeeded[0].RemoteID)

	counts, err := repo.StatusCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[domain.SubmissionSucceeded])
}

func TestRepositoryListOrdering(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	_, err := EnsureSchema(ctx, pool, log.New(testWriter{t}, "", 0))
	require.NoError(t, err)

	repo := NewRepository(pool)
	base := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertFromSource(ctx, testRecord(2, base.AddDate(0, 0, 2))))
	require.NoError(t, repo.UpsertFromSource(ctx, testRecord(1, base)))
	undated := testRecord(3, base)
	undated.OccurredAt = nil
	require.NoError(t, repo.UpsertFromSource(ctx, undated))

	pending, err := repo.ListByAcquisitionStatus(ctx, domain.AcquisitionPending)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// Ordered by date, with undated records last.
	require.Equal(t, int64(1), pending[0].ExternalID)
	require.Equal(t, int64(2), pending[1].ExternalID)
	require.Equal(t, int64(3), pending[2].ExternalID)
}

func TestEnsureSchemaRebuildOnStaleStamp(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	logger := log.New(testWriter{t}, "", 0)

	_, err := EnsureSchema(ctx, pool, logger)
	require.NoError(t, err)

	repo := NewRepository(pool)
	require.NoError(t, repo.UpsertFromSource(ctx, testRecord(1, time.Now().UTC())))

	// Simulate a binary built against an older schema generation.
	_, err = pool.Exec(ctx, `UPDATE schema_info SET version = $1`, SchemaVersion-1)
	require.NoError(t, err)

	rebuilt, err := EnsureSchema(ctx, pool, logger)
	require.NoError(t, err)
	require.True(t, rebuilt)

	// All prior state is gone after the rebuild.
	stored, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, stored)

	// Matching stamp on the next start does not rebuild.
	rebuilt, err = EnsureSchema(ctx, pool, logger)
	require.NoError(t, err)
	require.False(t, rebuilt)
}

func TestCommitUnknownRecordFails(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)

	_, err := EnsureSchema(ctx, pool, log.New(testWriter{t}, "", 0))
	require.NoError(t, err)

	repo := NewRepository(pool)
	missing := testRecord(404, time.Now().UTC())
	require.Error(t, repo.Commit(ctx, &missing))
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
