package submit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"example.com/migrate/internal/domain"
	"example.com/migrate/internal/ratelimit"
	"example.com/migrate/internal/strava"
)

// Engine owns the per-record submission state machine: artifact check,
// duplicate pre-check, upload, poll loop, and outcome classification.
type Engine struct {
	api             strava.API
	governor        *ratelimit.Governor
	detector        *DuplicateDetector
	logger          *log.Logger
	pollInterval    time.Duration
	pollTimeout     time.Duration
	throttleRetries int
}

// EngineOption configures optional behaviour for the Engine.
type EngineOption func(*Engine)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithPollInterval sets the delay between upload status polls.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.pollInterval = d }
}

// WithPollTimeout bounds how long one upload may stay in processing.
func WithPollTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.pollTimeout = d }
}

// WithThrottleRetries bounds cooldown-and-retry cycles per remote call.
func WithThrottleRetries(n int) EngineOption {
	return func(e *Engine) { e.throttleRetries = n }
}

// NewEngine constructs an Engine.
func NewEngine(api strava.API, governor *ratelimit.Governor, detector *DuplicateDetector, opts ...EngineOption) *Engine {
	e := &Engine{
		api:             api,
		governor:        governor,
		detector:        detector,
		logger:          log.New(log.Writer(), "[submit] ", log.LstdFlags),
		pollInterval:    3 * time.Second,
		pollTimeout:     300 * time.Second,
		throttleRetries: 8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit drives one record through the submission state machine, mutating
// its status fields. Only context cancellation propagates as an error; every
// other outcome, including unexpected failures, is recorded on the record so
// the caller can commit it and move on. Throttling is handled transparently:
// cooldown, then retry of the same operation, never an advance to the next
// state.
func (e *Engine) Submit(ctx context.Context, rec *domain.WorkoutRecord) error {
	if rec.LocalArtifactPath == "" {
		e.fail(rec, domain.SubmissionMissingArtifact, "no artifact path recorded")
		return nil
	}
	if _, err := os.Stat(rec.LocalArtifactPath); err != nil {
		e.fail(rec, domain.SubmissionMissingArtifact, fmt.Sprintf("artifact missing at %s", rec.LocalArtifactPath))
		return nil
	}

	duplicateID, err := e.detector.FindDuplicate(ctx, rec)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrThrottleExhausted):
		e.fail(rec, domain.SubmissionFailed, err.Error())
		return nil
	default:
		e.fail(rec, domain.SubmissionFailed, err.Error())
		return nil
	}
	if duplicateID != 0 {
		e.logger.Printf("workout %d already on destination as activity %d; skipping upload", rec.ExternalID, duplicateID)
		rec.SubmissionStatus = domain.SubmissionSkippedDup
		rec.RemoteID = duplicateID
		rec.LastError = ""
		return nil
	}

	status, err := e.uploadWithRetry(ctx, buildUploadRequest(rec))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.classifyFailure(ctx, rec, err)
		return nil
	}

	return e.awaitOutcome(ctx, rec, status)
}

// buildUploadRequest assembles the upload metadata, including the
// idempotency hint derived from the immutable external id.
func buildUploadRequest(rec *domain.WorkoutRecord) strava.UploadRequest {
	activityType := domain.NormalizeActivityType(rec.ActivityType)

	name := rec.DisplayName
	if name == "" {
		name = capitalize(activityType)
		if rec.OccurredAt != nil {
			name = fmt.Sprintf("%s on %s", name, rec.OccurredAt.Format("2006-01-02"))
		}
	}

	description := "Imported from MapMyRun."
	if rec.Notes != "" {
		description += "\nOriginal Notes: " + rec.Notes
	}

	return strava.UploadRequest{
		ArtifactPath: rec.LocalArtifactPath,
		Name:         name,
		Description:  description,
		ActivityType: activityType,
		ExternalID:   fmt.Sprintf("mmr_%d", rec.ExternalID),
	}
}

// uploadWithRetry sends the upload, transparently absorbing throttling with a
// bounded cooldown-and-retry loop.
func (e *Engine) uploadWithRetry(ctx context.Context, req strava.UploadRequest) (strava.UploadStatus, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return strava.UploadStatus{}, err
		}
		e.governor.RecordCall(ratelimit.KindUpload)
		status, err := e.api.UploadActivity(ctx, req)
		if err == nil {
			return status, nil
		}
		var throttled *strava.ThrottleError
		if errors.As(err, &throttled) {
			if attempt >= e.throttleRetries {
				return strava.UploadStatus{}, fmt.Errorf("upload: %w", ErrThrottleExhausted)
			}
			if waitErr := e.governor.Throttled(ctx, ratelimit.KindUpload, throttled.RetryAfter); waitErr != nil {
				return strava.UploadStatus{}, waitErr
			}
			continue
		}
		return strava.UploadStatus{}, err
	}
}

// awaitOutcome polls the upload until it settles or the poll budget runs out.
func (e *Engine) awaitOutcome(ctx context.Context, rec *domain.WorkoutRecord, status strava.UploadStatus) error {
	deadline := time.Now().Add(e.pollTimeout)

	for status.Processing() {
		if time.Now().After(deadline) {
			// The remote may still finish this upload later; a retry on a
			// future run could then duplicate it. Flag it for the operator
			// instead of quietly rolling the dice.
			e.logger.Printf("!!! workout %d: upload %d still processing after %s; marked FAILED(poll_timeout); audit this day on the destination before re-running",
				rec.ExternalID, status.ID, e.pollTimeout)
			e.fail(rec, domain.SubmissionFailed, "poll_timeout")
			return nil
		}
		if err := e.governor.Wait(ctx, e.pollInterval); err != nil {
			return err
		}

		e.governor.RecordCall(ratelimit.KindQuery)
		next, err := e.api.PollUpload(ctx, status.ID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var throttled *strava.ThrottleError
			if errors.As(err, &throttled) {
				// Cooldown time does not count against the poll budget; the
				// throttled poll is retried with the clock it had, so a long
				// cooldown cannot turn deferred success into a timeout.
				waitStart := time.Now()
				if waitErr := e.governor.Throttled(ctx, ratelimit.KindQuery, throttled.RetryAfter); waitErr != nil {
					return waitErr
				}
				deadline = deadline.Add(time.Since(waitStart))
				continue // retry the same poll
			}
			e.fail(rec, domain.SubmissionFailed, fmt.Sprintf("poll upload: %v", err))
			return nil
		}
		status = next
	}

	switch {
	case status.Ready():
		rec.SubmissionStatus = domain.SubmissionSucceeded
		rec.RemoteID = status.ActivityID
		rec.LastError = ""
		e.logger.Printf("workout %d uploaded as destination activity %d", rec.ExternalID, status.ActivityID)
	case containsDuplicateLanguage(status.Error):
		e.resolveDuplicate(ctx, rec, status.Error)
	default:
		e.fail(rec, domain.SubmissionFailed, fmt.Sprintf("rejected: %s", status.Error))
	}
	return nil
}

// classifyFailure maps an upload error onto the record's terminal state.
// A duplicate-specific rejection can arrive even after the pre-check passed
// (e.g. a race with another session), and maps to SKIPPED_DUPLICATE.
func (e *Engine) classifyFailure(ctx context.Context, rec *domain.WorkoutRecord, err error) {
	var rejection *strava.RejectionError
	if errors.As(err, &rejection) {
		if rejection.StatusCode == http.StatusConflict || containsDuplicateLanguage(rejection.Message) {
			e.resolveDuplicate(ctx, rec, rejection.Message)
			return
		}
	}
	e.fail(rec, domain.SubmissionFailed, err.Error())
}

// resolveDuplicate records a duplicate outcome, re-running the metric check
// once to recover the existing activity's remote id when the rejection
// itself did not carry one.
func (e *Engine) resolveDuplicate(ctx context.Context, rec *domain.WorkoutRecord, message string) {
	e.logger.Printf("workout %d rejected as duplicate by destination: %s", rec.ExternalID, message)
	rec.SubmissionStatus = domain.SubmissionSkippedDup
	rec.LastError = ""
	if rec.RemoteID == 0 {
		if id, err := e.detector.FindDuplicate(ctx, rec); err == nil && id != 0 {
			rec.RemoteID = id
		}
	}
}

func (e *Engine) fail(rec *domain.WorkoutRecord, status domain.SubmissionStatus, reason string) {
	e.logger.Printf("workout %d: %s (%s)", rec.ExternalID, status, reason)
	rec.SubmissionStatus = status
	rec.LastError = reason
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// containsDuplicateLanguage is the accepted external-boundary fallback: the
// destination's only duplicate signal on some rejection paths is free text.
func containsDuplicateLanguage(message string) bool {
	lowered := strings.ToLower(message)
	return strings.Contains(lowered, "duplicate of") || strings.Contains(lowered, "already exists")
}
