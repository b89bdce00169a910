package service

import (
	"context"
	"errors"
	"time"

	appErrors "github.com/waveline/campaign-engine/internal/errors"
	"github.com/waveline/campaign-engine/internal/model"
	"github.com/waveline/campaign-engine/internal/repository"
)

// PreviewSampleSize caps how many contacts a preview response carries.
const PreviewSampleSize = 50

// SegmentationEngine computes audiences from declarative filters. It is
// strictly read-only: preview never persists anything.
type SegmentationEngine struct {
	Contacts repository.ContactRepositoryInterface
	// ScanTimeout bounds each scan; exceeded scans fail with
	// ErrSegmentationTimeout instead of blocking indefinitely.
	ScanTimeout time.Duration
}

type PreviewResult struct {
	Count  int             `json:"count"`
	Sample []model.Contact `json:"sample"`
}

// Preview returns the size of the full matching set and a bounded sample.
// The filter's limit does not truncate the count; it only bounds which
// rows a later commit may materialize.
func (e *SegmentationEngine) Preview(ctx context.Context, filter *model.SegmentFilter) (*PreviewResult, error) {
	if filter == nil {
		filter = &model.SegmentFilter{}
	}
	if err := filter.Validate(); err != nil {
		return nil, appErrors.NewValidation("invalid filter: %v", err)
	}

	ctx, cancel := e.scanContext(ctx)
	defer cancel()

	count, err := e.Contacts.Count(ctx, filter)
	if err != nil {
		return nil, mapScanErr(err, ctx)
	}

	sample, err := e.Contacts.Query(ctx, filter, PreviewSampleSize)
	if err != nil {
		return nil, mapScanErr(err, ctx)
	}

	return &PreviewResult{Count: count, Sample: sample}, nil
}

// Candidates evaluates the filter bounded by limit, for the materializer.
func (e *SegmentationEngine) Candidates(ctx context.Context, filter *model.SegmentFilter, limit int) ([]model.Contact, error) {
	if filter == nil {
		filter = &model.SegmentFilter{}
	}
	if err := filter.Validate(); err != nil {
		return nil, appErrors.NewValidation("invalid filter: %v", err)
	}

	ctx, cancel := e.scanContext(ctx)
	defer cancel()

	contacts, err := e.Contacts.Query(ctx, filter, limit)
	if err != nil {
		return nil, mapScanErr(err, ctx)
	}
	return contacts, nil
}

func (e *SegmentationEngine) scanContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := e.ScanTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func mapScanErr(err error, ctx context.Context) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return appErrors.ErrSegmentationTimeout
	}
	return err
}
