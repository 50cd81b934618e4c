// Package submit drives validated records through duplicate detection,
// upload, and outcome classification on the destination platform.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"example.com/migrate/internal/domain"
	"example.com/migrate/internal/ratelimit"
	"example.com/migrate/internal/strava"
	"example.com/migrate/internal/tcx"
)

// The destination has no native idempotency key for externally-sourced
// uploads, so near-exact metric equality inside the activity's calendar day
// is the correctness proxy for "already migrated". Tolerances are in the
// source units: meters and seconds (~0.1 mile, one minute).
const (
	distanceTolerance = 161.0
	durationTolerance = 60.0
)

// ErrThrottleExhausted is returned when a remote call stayed throttled
// through every allowed cooldown-and-retry cycle.
var ErrThrottleExhausted = errors.New("throttle retries exhausted")

// DuplicateDetector checks the destination for an already-migrated copy of a
// record before any upload is attempted.
type DuplicateDetector struct {
	api             strava.API
	governor        *ratelimit.Governor
	validator       *tcx.Validator
	logger          *log.Logger
	throttleRetries int
}

// NewDuplicateDetector constructs a DuplicateDetector.
func NewDuplicateDetector(api strava.API, governor *ratelimit.Governor, validator *tcx.Validator, throttleRetries int, logger *log.Logger) *DuplicateDetector {
	if throttleRetries <= 0 {
		throttleRetries = 8
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[duplicate] ", log.LstdFlags)
	}
	return &DuplicateDetector{
		api:             api,
		governor:        governor,
		validator:       validator,
		logger:          logger,
		throttleRetries: throttleRetries,
	}
}

// FindDuplicate returns the remote id of an existing same-day activity whose
// distance and duration match the record's artifact within tolerance, or 0
// when none matches. On throttling it cools down and retries the same check;
// it never skips the check, since a blind upload would create a live
// duplicate.
func (d *DuplicateDetector) FindDuplicate(ctx context.Context, rec *domain.WorkoutRecord) (int64, error) {
	if rec.OccurredAt == nil {
		d.logger.Printf("workout %d has no date; skipping duplicate check", rec.ExternalID)
		return 0, nil
	}

	metrics, err := d.validator.Validate(rec.LocalArtifactPath)
	if err != nil || !metrics.OK || (metrics.Distance <= 0 && metrics.Duration <= 0) {
		d.logger.Printf("workout %d: no usable metrics in artifact; skipping duplicate check", rec.ExternalID)
		return 0, nil
	}

	dayStart := time.Date(rec.OccurredAt.Year(), rec.OccurredAt.Month(), rec.OccurredAt.Day(),
		0, 0, 0, 0, rec.OccurredAt.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	var candidates []strava.Activity
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		d.governor.RecordCall(ratelimit.KindQuery)
		candidates, err = d.api.ListActivities(ctx, dayStart, dayEnd)
		if err == nil {
			break
		}
		var throttled *strava.ThrottleError
		if errors.As(err, &throttled) {
			if attempt >= d.throttleRetries {
				return 0, fmt.Errorf("duplicate check for workout %d: %w", rec.ExternalID, ErrThrottleExhausted)
			}
			if waitErr := d.governor.Throttled(ctx, ratelimit.KindQuery, throttled.RetryAfter); waitErr != nil {
				return 0, waitErr
			}
			continue
		}
		// Any other query failure is logged and ignored: the original
		// behavior proceeds to upload, relying on the destination's own
		// rejection as the backstop.
		d.logger.Printf("duplicate check for workout %d failed (%v); proceeding with upload attempt", rec.ExternalID, err)
		return 0, nil
	}

	for _, candidate := range candidates {
		distanceDiff := math.Abs(metrics.Distance - candidate.Distance)
		durationDiff := math.Abs(metrics.Duration - candidate.ElapsedTime)
		if distanceDiff < distanceTolerance && durationDiff < durationTolerance {
			d.logger.Printf("workout %d matches remote activity %d (Δdistance=%.0fm Δduration=%.0fs)",
				rec.ExternalID, candidate.ID, distanceDiff, durationDiff)
			return candidate.ID, nil
		}
	}
	return 0, nil
}
