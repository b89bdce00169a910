package appErrors

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID uuid.UUID
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id uuid.UUID) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrValidation marks malformed input rejected before any side effect.
type ErrValidation struct {
	Msg string
}

func (e *ErrValidation) Error() string { return e.Msg }

func NewValidation(format string, args ...any) error {
	return &ErrValidation{Msg: fmt.Sprintf(format, args...)}
}

// ErrComplianceBlocked carries every critical issue found by the gate so
// the caller sees the complete picture, never just the first failure.
type ErrComplianceBlocked struct {
	Issues []string
}

func (e *ErrComplianceBlocked) Error() string {
	return fmt.Sprintf("campaign blocked by compliance gate: %d critical issue(s)", len(e.Issues))
}

// ErrInvalidTransition is returned when the lifecycle graph forbids a move.
type ErrInvalidTransition struct {
	From, To string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid campaign transition %s -> %s", e.From, e.To)
}

// ErrNotYetDue is returned by resume before a scheduled start has elapsed.
type ErrNotYetDue struct {
	StartAt time.Time
}

func (e *ErrNotYetDue) Error() string {
	return fmt.Sprintf("campaign not due until %s", e.StartAt.UTC().Format(time.RFC3339))
}

// ErrStaleState signals an optimistic-concurrency conflict on the status
// column; the caller must re-fetch and retry.
var ErrStaleState = errors.New("campaign status changed concurrently")

// ErrSegmentationTimeout signals a segmentation scan that exceeded its
// budget. Partial commit results up to the timeout are retained.
var ErrSegmentationTimeout = errors.New("segmentation scan exceeded time budget")
