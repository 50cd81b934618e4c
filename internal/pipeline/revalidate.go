package pipeline

import (
	"context"
	"fmt"
	"os"

	"example.com/migrate/internal/domain"
)

// RevalidateLocal re-checks artifacts already on disk without touching the
// network. It runs after a schema rebuild to recover VALID state for records
// whose artifacts survived, and with force it also re-checks records already
// marked VALID, demoting any whose artifact is gone or no longer passes.
func (o *Orchestrator) RevalidateLocal(ctx context.Context, force bool) error {
	recovered, err := o.promotePending(ctx)
	if err != nil {
		return err
	}
	demoted := 0
	if force {
		if demoted, err = o.recheckValid(ctx); err != nil {
			return err
		}
	}
	o.logger.Printf("local revalidation done: %d recovered, %d demoted", recovered, demoted)
	return nil
}

func (o *Orchestrator) promotePending(ctx context.Context) (int, error) {
	pending, err := o.store.ListByAcquisitionStatus(ctx, domain.AcquisitionPending)
	if err != nil {
		return 0, fmt.Errorf("list pending acquisitions: %w", err)
	}
	recovered := 0
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		rec := &pending[i]
		path := o.fetcher.ArtifactPath(rec.ExternalID)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		result, err := o.validator.Validate(path)
		if err != nil || !result.OK {
			// Leave it PENDING; the acquisition phase will refetch.
			continue
		}
		previous := rec.AcquisitionStatus
		rec.AcquisitionStatus = domain.AcquisitionValid
		rec.LocalArtifactPath = path
		rec.LastError = ""
		if err := o.commitTransition(ctx, rec, "acquisition", previous); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (o *Orchestrator) recheckValid(ctx context.Context) (int, error) {
	valid, err := o.store.ListByAcquisitionStatus(ctx, domain.AcquisitionValid)
	if err != nil {
		return 0, fmt.Errorf("list valid acquisitions: %w", err)
	}
	demoted := 0
	for i := range valid {
		if err := ctx.Err(); err != nil {
			return demoted, err
		}
		rec := &valid[i]
		path := rec.LocalArtifactPath
		if path == "" {
			path = o.fetcher.ArtifactPath(rec.ExternalID)
		}
		result, err := o.validator.Validate(path)
		if err == nil && result.OK {
			continue
		}
		previous := rec.AcquisitionStatus
		rec.AcquisitionStatus = domain.AcquisitionPending
		rec.LocalArtifactPath = ""
		rec.LastError = "artifact failed revalidation"
		if err := o.commitTransition(ctx, rec, "acquisition", previous); err != nil {
			return demoted, err
		}
		demoted++
	}
	return demoted, nil
}
