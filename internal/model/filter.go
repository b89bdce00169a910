package model

import (
	"fmt"
	"time"
)

const (
	// DefaultFilterLimit bounds a segmentation scan when the caller does
	// not ask for a specific limit.
	DefaultFilterLimit = 200
	// MaxFilterLimit is the hard ceiling for a single commit.
	MaxFilterLimit = 1000
)

// SegmentFilter is the closed, typed form of the free-form filter payload
// the original wizard sends. Dimensions are AND-ed together; values inside
// a set dimension are OR-ed. An absent or empty dimension is unconstrained,
// so the zero filter matches every reachable contact.
type SegmentFilter struct {
	AgeMin        *int       `json:"age_min,omitempty"`
	AgeMax        *int       `json:"age_max,omitempty"`
	States        []string   `json:"states,omitempty"`
	Cities        []string   `json:"cities,omitempty"`
	FunnelStages  []string   `json:"funnel_stages,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	LeadStatuses  []string   `json:"lead_status,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// Validate rejects malformed filters before any query is built.
func (f *SegmentFilter) Validate() error {
	if f.AgeMin != nil && *f.AgeMin < 0 {
		return fmt.Errorf("age_min must be >= 0")
	}
	if f.AgeMax != nil && *f.AgeMax < 0 {
		return fmt.Errorf("age_max must be >= 0")
	}
	if f.AgeMin != nil && f.AgeMax != nil && *f.AgeMin > *f.AgeMax {
		return fmt.Errorf("age_min (%d) must not exceed age_max (%d)", *f.AgeMin, *f.AgeMax)
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedAfter.After(*f.CreatedBefore) {
		return fmt.Errorf("created_after must not be after created_before")
	}
	if f.Limit < 0 || f.Limit > MaxFilterLimit {
		return fmt.Errorf("limit must be between 0 and %d", MaxFilterLimit)
	}
	for _, set := range [][]string{f.States, f.Cities, f.FunnelStages, f.Tags, f.LeadStatuses} {
		for _, v := range set {
			if v == "" {
				return fmt.Errorf("filter set values must not be empty strings")
			}
		}
	}
	return nil
}

// EffectiveLimit resolves the scan bound, applying the default and ceiling.
func (f *SegmentFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultFilterLimit
	}
	if f.Limit > MaxFilterLimit {
		return MaxFilterLimit
	}
	return f.Limit
}

// Empty reports whether every dimension is unconstrained.
func (f *SegmentFilter) Empty() bool {
	return f.AgeMin == nil && f.AgeMax == nil &&
		len(f.States) == 0 && len(f.Cities) == 0 &&
		len(f.FunnelStages) == 0 && len(f.Tags) == 0 && len(f.LeadStatuses) == 0 &&
		f.CreatedAfter == nil && f.CreatedBefore == nil
}
