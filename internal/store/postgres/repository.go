// Package postgres provides the pgx-backed record store for the pipeline.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/migrate/internal/domain"
)

const recordColumns = `external_id, activity_type, occurred_at, display_name, notes,
        local_artifact_path, acquisition_status, submission_status, remote_id, last_error, updated_at`

// Repository implements domain.RecordStore on a pgx connection pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get retrieves one record by external id, or nil when absent.
func (r *Repository) Get(ctx context.Context, externalID int64) (*domain.WorkoutRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM workout_records WHERE external_id=$1`

	row := r.pool.QueryRow(ctx, query, externalID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ListByAcquisitionStatus returns all records in the given acquisition state,
// oldest activity first so reruns progress through history deterministically.
func (r *Repository) ListByAcquisitionStatus(ctx context.Context, status domain.AcquisitionStatus) ([]domain.WorkoutRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM workout_records
        WHERE acquisition_status=$1 ORDER BY occurred_at NULLS LAST, external_id`
	return r.list(ctx, query, string(status))
}

// ListBySubmissionStatus returns all records in the given submission state.
func (r *Repository) ListBySubmissionStatus(ctx context.Context, status domain.SubmissionStatus) ([]domain.WorkoutRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM workout_records
        WHERE submission_status=$1 ORDER BY occurred_at NULLS LAST, external_id`
	return r.list(ctx, query, string(status))
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]domain.WorkoutRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.WorkoutRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// UpsertFromSource inserts a record discovered in the source export, or
// refreshes its descriptive metadata when it already exists. The external id
// and activity date are immutable: a same-id row whose date disagrees fails
// with domain.ErrDuplicateKey instead of being silently rewritten.
func (r *Repository) UpsertFromSource(ctx context.Context, record domain.WorkoutRecord) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var existingOccurredAt *time.Time
	err = tx.QueryRow(ctx, `SELECT occurred_at FROM workout_records WHERE external_id=$1`, record.ExternalID).
		Scan(&existingOccurredAt)
	switch {
	case err == nil:
		if !sameTimestamp(existingOccurredAt, record.OccurredAt) {
			err = domain.ErrDuplicateKey
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE workout_records
            SET activity_type=$2, display_name=$3, notes=$4, updated_at=now()
            WHERE external_id=$1`,
			record.ExternalID, record.ActivityType, record.DisplayName, record.Notes)
		if err != nil {
			return err
		}
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `INSERT INTO workout_records
            (external_id, activity_type, occurred_at, display_name, notes,
             local_artifact_path, acquisition_status, submission_status, remote_id, last_error, updated_at)
            VALUES ($1,$2,$3,$4,$5,'',$6,$7,0,'',now())`,
			record.ExternalID, record.ActivityType, record.OccurredAt,
			record.DisplayName, record.Notes,
			string(domain.AcquisitionPending), string(domain.SubmissionPending))
		if err != nil {
			return err
		}
	default:
		return err
	}

	err = tx.Commit(ctx)
	return err
}

// Commit durably persists the record's current mutable state. The pipeline
// calls this after every transition, before touching the next record.
func (r *Repository) Commit(ctx context.Context, record *domain.WorkoutRecord) error {
	tag, err := r.pool.Exec(ctx, `UPDATE workout_records
        SET activity_type=$2, local_artifact_path=$3, acquisition_status=$4,
            submission_status=$5, remote_id=$6, last_error=$7, updated_at=now()
        WHERE external_id=$1`,
		record.ExternalID, record.ActivityType, record.LocalArtifactPath,
		string(record.AcquisitionStatus), string(record.SubmissionStatus),
		record.RemoteID, record.LastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("commit: record not found")
	}
	return nil
}

// StatusCounts aggregates records per submission status for the status report.
func (r *Repository) StatusCounts(ctx context.Context) (map[domain.SubmissionStatus]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT submission_status, COUNT(*) FROM workout_records GROUP BY submission_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.SubmissionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[domain.SubmissionStatus(status)] = count
	}
	return counts, rows.Err()
}

// RecentTransitions returns the most recently updated records, newest first.
func (r *Repository) RecentTransitions(ctx context.Context, limit int) ([]domain.WorkoutRecord, error) {
	const query = `SELECT ` + recordColumns + ` FROM workout_records
        ORDER BY updated_at DESC LIMIT $1`
	return r.list(ctx, query, limit)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*domain.WorkoutRecord, error) {
	var rec domain.WorkoutRecord
	var acquisition, submission string
	if err := row.Scan(&rec.ExternalID, &rec.ActivityType, &rec.OccurredAt,
		&rec.DisplayName, &rec.Notes, &rec.LocalArtifactPath,
		&acquisition, &submission, &rec.RemoteID, &rec.LastError, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.AcquisitionStatus = domain.AcquisitionStatus(acquisition)
	rec.SubmissionStatus = domain.SubmissionStatus(submission)
	return &rec, nil
}

func sameTimestamp(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
