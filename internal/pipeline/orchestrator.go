// Package pipeline selects eligible records and drives them through the
// acquisition and submission phases in bounded, paced batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/migrate/internal/acquire"
	"example.com/migrate/internal/audit"
	"example.com/migrate/internal/domain"
	"example.com/migrate/internal/observability"
	"example.com/migrate/internal/ratelimit"
	"example.com/migrate/internal/tcx"
)

// allowedBatchSizes is the closed set of group sizes the orchestrator
// accepts. Arbitrary sizes are rejected to keep behavior predictable under
// the destination's rate limits.
var allowedBatchSizes = []int{5, 10, 25, 50, 100, 200, 300}

// DefaultBatchSize is used when the operator does not choose one.
const DefaultBatchSize = 25

// ErrInvalidBatchSize rejects group sizes outside the accepted set.
var ErrInvalidBatchSize = fmt.Errorf("batch size must be one of %v", allowedBatchSizes)

// ErrOperatorAbort is returned when the operator declines to continue at a
// batch boundary.
var ErrOperatorAbort = errors.New("run aborted by operator")

// ValidateBatchSize checks a requested group size against the accepted set
// before any state is touched.
func ValidateBatchSize(size int) error {
	if slices.Contains(allowedBatchSizes, size) {
		return nil
	}
	return fmt.Errorf("%w (got %d)", ErrInvalidBatchSize, size)
}

// ArtifactFetcher acquires one raw artifact from the source platform.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, externalID int64) (string, error)
	ArtifactPath(externalID int64) string
}

// Validator checks a raw artifact and extracts its metrics.
type Validator interface {
	Validate(path string) (tcx.Result, error)
}

// Submitter drives one record through the submission state machine.
type Submitter interface {
	Submit(ctx context.Context, rec *domain.WorkoutRecord) error
}

// Options carries the operator's choices for one run.
type Options struct {
	BatchSize     int
	ActivityTypes []string // normalized type allowlist; empty allows all
	Interactive   bool     // prompt between batches
	Simulate      bool     // stop short of any network mutation or commit
	Limit         int      // cap on records considered when > 0
	AcquireDelay  time.Duration
	SubmitDelay   time.Duration
	BatchPause    time.Duration
}

// Summary tallies what one run did (or, in simulate mode, would do).
type Summary struct {
	Acquired          int
	Validated         int
	Invalid           int
	AcquisitionFailed int
	Uploaded          int
	SkippedDuplicate  int
	Failed            int
	MissingArtifact   int
	Simulated         int
}

func (s Summary) String() string {
	return fmt.Sprintf("acquired=%d validated=%d invalid=%d acquisition_failed=%d uploaded=%d skipped_duplicate=%d failed=%d missing_artifact=%d simulated=%d",
		s.Acquired, s.Validated, s.Invalid, s.AcquisitionFailed, s.Uploaded, s.SkippedDuplicate, s.Failed, s.MissingArtifact, s.Simulated)
}

// Orchestrator owns the single thread of control for a migration run. It is
// the store's only writer; every transition is committed before the next
// record is touched, so an interrupt at any record boundary is safe.
type Orchestrator struct {
	store     domain.RecordStore
	fetcher   ArtifactFetcher
	validator Validator
	submitter Submitter
	governor  *ratelimit.Governor
	publisher *audit.Publisher
	opts      Options
	limitLeft int // records the run may still select; negative means no cap
	logger    *log.Logger
	runID     string
	prompt    func(message string) (bool, error)
	shuffle   func(n int, swap func(i, j int))
}

// OrchestratorOption configures optional behaviour for the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithPrompt substitutes the interactive continue/abort prompt.
func WithPrompt(prompt func(message string) (bool, error)) OrchestratorOption {
	return func(o *Orchestrator) { o.prompt = prompt }
}

// WithShuffle substitutes the randomizer used to order FAILED retries, for
// deterministic tests.
func WithShuffle(shuffle func(n int, swap func(i, j int))) OrchestratorOption {
	return func(o *Orchestrator) { o.shuffle = shuffle }
}

// New constructs an Orchestrator. Options are validated by Run before any
// state is touched.
func New(store domain.RecordStore, fetcher ArtifactFetcher, validator Validator, submitter Submitter,
	governor *ratelimit.Governor, publisher *audit.Publisher, opts Options, oos ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		fetcher:   fetcher,
		validator: validator,
		submitter: submitter,
		governor:  governor,
		publisher: publisher,
		opts:      opts,
		logger:    log.New(log.Writer(), "[pipeline] ", log.LstdFlags),
		runID:     uuid.NewString(),
		prompt:    func(string) (bool, error) { return true, nil },
		shuffle:   rand.Shuffle,
	}
	for _, opt := range oos {
		opt(o)
	}
	return o
}

// Run executes the acquisition phase followed by the submission phase.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	if o.opts.BatchSize == 0 {
		o.opts.BatchSize = DefaultBatchSize
	}
	if err := ValidateBatchSize(o.opts.BatchSize); err != nil {
		return summary, err
	}

	o.limitLeft = -1
	if o.opts.Limit > 0 {
		o.limitLeft = o.opts.Limit
	}

	mode := "run"
	if o.opts.Simulate {
		mode = "simulate"
	}
	o.logger.Printf("starting migration run %s (mode=%s batch_size=%d)", o.runID, mode, o.opts.BatchSize)

	if err := o.acquirePhase(ctx, &summary); err != nil {
		return summary, err
	}
	if err := o.submitPhase(ctx, &summary); err != nil {
		return summary, err
	}

	o.logger.Printf("run %s complete: %s", o.runID, summary)
	return summary, nil
}

// acquirePhase fetches and validates every record still pending acquisition.
// An artifact already on disk is validated without refetching.
func (o *Orchestrator) acquirePhase(ctx context.Context, summary *Summary) error {
	pending, err := o.store.ListByAcquisitionStatus(ctx, domain.AcquisitionPending)
	if err != nil {
		return fmt.Errorf("list pending acquisitions: %w", err)
	}
	pending = o.capSelection(pending)
	if len(pending) == 0 {
		o.logger.Printf("no records pending acquisition")
		return nil
	}
	o.logger.Printf("%d records pending acquisition", len(pending))

	for i := range pending {
		// Cancellation is only honored here, at record boundaries, so the
		// store always holds a committed state for every touched record.
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &pending[i]

		if o.opts.Simulate {
			o.logger.Printf("[simulate] would fetch and validate workout %d", rec.ExternalID)
			summary.Simulated++
			observability.RecordOutcome("acquisition", "simulated")
			continue
		}

		if err := o.acquireOne(ctx, rec, summary); err != nil {
			return err
		}

		if i < len(pending)-1 {
			if err := o.governor.Wait(ctx, o.opts.AcquireDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) acquireOne(ctx context.Context, rec *domain.WorkoutRecord, summary *Summary) error {
	previous := rec.AcquisitionStatus

	path := o.fetcher.ArtifactPath(rec.ExternalID)
	if _, statErr := os.Stat(path); statErr != nil {
		fetched, err := o.fetcher.Fetch(ctx, rec.ExternalID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var acqErr *acquire.Error
			if errors.As(err, &acqErr) {
				switch acqErr.Kind {
				case acquire.KindAuthExpired:
					// The whole run is dead without a valid session; stop
					// before burning budget on guaranteed failures.
					return &domain.FatalError{Err: err}
				case acquire.KindNotFound:
					rec.AcquisitionStatus = domain.AcquisitionFailed
					rec.LastError = acqErr.Error()
					summary.AcquisitionFailed++
					return o.commitTransition(ctx, rec, "acquisition", previous)
				}
			}
			// Transient: the record stays PENDING for a later run.
			o.logger.Printf("workout %d: transient acquisition failure: %v", rec.ExternalID, err)
			return nil
		}
		path = fetched
		summary.Acquired++
	}

	result, err := o.validator.Validate(path)
	if err != nil {
		o.logger.Printf("workout %d: cannot read artifact %s: %v", rec.ExternalID, path, err)
		return nil
	}
	if result.OK {
		rec.AcquisitionStatus = domain.AcquisitionValid
		rec.LocalArtifactPath = path
		rec.LastError = ""
		summary.Validated++
	} else {
		rec.AcquisitionStatus = domain.AcquisitionInvalid
		rec.LocalArtifactPath = ""
		rec.LastError = result.Reason
		summary.Invalid++
	}
	return o.commitTransition(ctx, rec, "acquisition", previous)
}

// submitPhase uploads every eligible record: never-attempted ones first,
// then FAILED records in randomized order so one stuck record cannot
// monopolize the retry budget.
func (o *Orchestrator) submitPhase(ctx context.Context, summary *Summary) error {
	eligible, err := o.selectForSubmission(ctx)
	if err != nil {
		return err
	}
	if len(eligible) == 0 {
		o.logger.Printf("no records eligible for submission")
		return nil
	}

	batches := chunk(eligible, o.opts.BatchSize)
	o.logger.Printf("%d records eligible for submission in %d batches of up to %d",
		len(eligible), len(batches), o.opts.BatchSize)

	for bi, batch := range batches {
		o.logger.Printf("processing batch %d of %d (%d records)", bi+1, len(batches), len(batch))

		for ri := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec := &batch[ri]

			if o.opts.Simulate {
				o.logger.Printf("[simulate] would submit workout %d (%s, previous status %s)",
					rec.ExternalID, rec.ActivityType, rec.SubmissionStatus)
				summary.Simulated++
				observability.RecordOutcome("submission", "simulated")
				continue
			}

			previous := rec.SubmissionStatus
			if err := o.submitter.Submit(ctx, rec); err != nil {
				return err
			}
			if err := o.commitTransition(ctx, rec, "submission", previous); err != nil {
				return err
			}
			summary.tallySubmission(rec.SubmissionStatus)

			if ri < len(batch)-1 {
				if err := o.governor.Wait(ctx, o.opts.SubmitDelay); err != nil {
					return err
				}
			}
		}

		if bi < len(batches)-1 {
			if err := o.pauseBetweenBatches(ctx, bi+1, len(batches)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) selectForSubmission(ctx context.Context) ([]domain.WorkoutRecord, error) {
	pending, err := o.store.ListBySubmissionStatus(ctx, domain.SubmissionPending)
	if err != nil {
		return nil, fmt.Errorf("list pending submissions: %w", err)
	}
	failed, err := o.store.ListBySubmissionStatus(ctx, domain.SubmissionFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed submissions: %w", err)
	}

	pending = o.filterEligible(pending)
	failed = o.filterEligible(failed)
	o.shuffle(len(failed), func(i, j int) { failed[i], failed[j] = failed[j], failed[i] })

	return o.capSelection(append(pending, failed...)), nil
}

// capSelection charges a phase's selection against the run-wide record cap.
// The cap is shared: records taken by the acquisition phase shrink what the
// submission phase may select.
func (o *Orchestrator) capSelection(records []domain.WorkoutRecord) []domain.WorkoutRecord {
	if o.limitLeft < 0 {
		return records
	}
	if len(records) > o.limitLeft {
		o.logger.Printf("capping selection at %d of %d records", o.limitLeft, len(records))
		records = records[:o.limitLeft]
	}
	o.limitLeft -= len(records)
	return records
}

func (o *Orchestrator) filterEligible(records []domain.WorkoutRecord) []domain.WorkoutRecord {
	out := records[:0]
	for _, rec := range records {
		if !rec.EligibleForSubmission() {
			continue
		}
		if !o.typeAllowed(rec.ActivityType) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (o *Orchestrator) typeAllowed(activityType string) bool {
	if len(o.opts.ActivityTypes) == 0 {
		return true
	}
	normalized := domain.NormalizeActivityType(activityType)
	for _, allowed := range o.opts.ActivityTypes {
		if strings.EqualFold(allowed, normalized) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) pauseBetweenBatches(ctx context.Context, done, total int) error {
	if o.opts.Interactive {
		proceed, err := o.prompt(fmt.Sprintf("Batch %d of %d complete. Continue?", done, total))
		if err != nil {
			return err
		}
		if !proceed {
			return ErrOperatorAbort
		}
		return nil
	}
	o.logger.Printf("batch %d of %d complete; pausing %s", done, total, o.opts.BatchPause)
	return o.governor.Wait(ctx, o.opts.BatchPause)
}

// commitTransition persists the record and emits the audit event. A commit
// failure stops the run: continuing without durable state risks duplicate
// submissions after a crash.
func (o *Orchestrator) commitTransition(ctx context.Context, rec *domain.WorkoutRecord, phase string, previous any) error {
	if err := o.store.Commit(ctx, rec); err != nil {
		return fmt.Errorf("commit workout %d: %w", rec.ExternalID, err)
	}

	from := fmt.Sprintf("%v", previous)
	to := string(rec.SubmissionStatus)
	if phase == "acquisition" {
		to = string(rec.AcquisitionStatus)
	}
	observability.RecordOutcome(phase, to)
	o.publisher.Publish(ctx, audit.Event{
		RunID:      o.runID,
		ExternalID: rec.ExternalID,
		Phase:      phase,
		From:       from,
		To:         to,
		RemoteID:   rec.RemoteID,
	})
	return nil
}

func (s *Summary) tallySubmission(status domain.SubmissionStatus) {
	switch status {
	case domain.SubmissionSucceeded:
		s.Uploaded++
	case domain.SubmissionSkippedDup:
		s.SkippedDuplicate++
	case domain.SubmissionMissingArtifact:
		s.MissingArtifact++
	default:
		s.Failed++
	}
}

func chunk(records []domain.WorkoutRecord, size int) [][]domain.WorkoutRecord {
	var batches [][]domain.WorkoutRecord
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end])
	}
	return batches
}
