// Package domain defines the workout record model and migration business rules.
package domain

import (
	"context"
	"time"
)

// AcquisitionStatus tracks how far a record has progressed through fetch and validation.
type AcquisitionStatus string

const (
	AcquisitionPending AcquisitionStatus = "PENDING"
	AcquisitionFailed  AcquisitionStatus = "ACQUISITION_FAILED"
	AcquisitionValid   AcquisitionStatus = "VALID"
	AcquisitionInvalid AcquisitionStatus = "INVALID"
)

// SubmissionStatus tracks the upload outcome for a record on the destination platform.
type SubmissionStatus string

const (
	SubmissionPending         SubmissionStatus = "PENDING"
	SubmissionSucceeded       SubmissionStatus = "SUCCEEDED"
	SubmissionFailed          SubmissionStatus = "FAILED"
	SubmissionSkippedDup      SubmissionStatus = "SKIPPED_DUPLICATE"
	SubmissionMissingArtifact SubmissionStatus = "FAILED_MISSING_ARTIFACT"
)

// WorkoutRecord is the persisted lifecycle state for one source-platform activity.
// ExternalID is immutable and is the correlation key across every phase.
// LocalArtifactPath is set only when validation succeeds; RemoteID is set only
// when an upload succeeds or a duplicate is matched.
type WorkoutRecord struct {
	ExternalID        int64
	ActivityType      string
	OccurredAt        *time.Time
	DisplayName       string
	Notes             string
	LocalArtifactPath string
	AcquisitionStatus AcquisitionStatus
	SubmissionStatus  SubmissionStatus
	RemoteID          int64
	LastError         string
	UpdatedAt         time.Time
}

// EligibleForAcquisition reports whether the record still needs its artifact fetched.
func (r *WorkoutRecord) EligibleForAcquisition() bool {
	return r.AcquisitionStatus == AcquisitionPending
}

// EligibleForSubmission reports whether the record is ready for an upload attempt.
func (r *WorkoutRecord) EligibleForSubmission() bool {
	if r.AcquisitionStatus != AcquisitionValid {
		return false
	}
	return r.SubmissionStatus == SubmissionPending || r.SubmissionStatus == SubmissionFailed
}

// Terminal reports whether the record needs no further submission work.
func (r *WorkoutRecord) Terminal() bool {
	switch r.SubmissionStatus {
	case SubmissionSucceeded, SubmissionSkippedDup, SubmissionMissingArtifact:
		return true
	}
	return false
}

// RecordStore captures persistence operations for workout records. Every
// mutation must be durable before the pipeline moves to the next record.
type RecordStore interface {
	Get(ctx context.Context, externalID int64) (*WorkoutRecord, error)
	ListByAcquisitionStatus(ctx context.Context, status AcquisitionStatus) ([]WorkoutRecord, error)
	ListBySubmissionStatus(ctx context.Context, status SubmissionStatus) ([]WorkoutRecord, error)
	UpsertFromSource(ctx context.Context, record WorkoutRecord) error
	Commit(ctx context.Context, record *WorkoutRecord) error
}
