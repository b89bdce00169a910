package model

// ValidationStats is the snapshot the compliance gate gathered while
// validating; surfaced so callers see the numbers behind each verdict.
type ValidationStats struct {
	RecipientCount         int    `json:"recipient_count"`
	RecipientsWithoutOptIn int    `json:"recipients_without_opt_in"`
	QualityRating          string `json:"quality_rating"`
	Tier                   string `json:"tier"`
	TierLimit              int    `json:"tier_limit"`
	TemplateStatus         string `json:"template_status"`
	TemplateCategory       string `json:"template_category,omitempty"`
}

// ValidationResult is the itemized verdict of the compliance gate.
// CriticalIssues block activation; Warnings do not, but must be surfaced
// and may only be bypassed by an explicit override.
type ValidationResult struct {
	Safe           bool            `json:"safe"`
	CriticalIssues []string        `json:"critical_issues"`
	Warnings       []string        `json:"warnings"`
	Stats          ValidationStats `json:"stats"`
}

func (r *ValidationResult) Critical(issue string) {
	r.Safe = false
	r.CriticalIssues = append(r.CriticalIssues, issue)
}

func (r *ValidationResult) Warn(warning string) {
	r.Warnings = append(r.Warnings, warning)
}
