package checklist

import (
	"math"

	"readiness/internal/domain"
)

// StatusOf returns the response status of an item, defaulting to
// not_completed when no response exists yet.
func StatusOf(resp *domain.ItemResponse) domain.Status {
	if resp == nil || !resp.Status.Valid() {
		return domain.StatusNotCompleted
	}
	return resp.Status
}

// CalculateProgress buckets already-filtered items by status. Total is the
// number of items passed in, never the template count.
func CalculateProgress(items []domain.ItemView) domain.ProgressSummary {
	var p domain.ProgressSummary
	for _, it := range items {
		tally(&p, StatusOf(it.Response))
	}
	p.Percentage = percentage(p)
	return p
}

// ApplicableItems returns the items of a stage view that count toward
// progress and sign-off.
func ApplicableItems(items []domain.ItemView) []domain.ItemView {
	out := make([]domain.ItemView, 0, len(items))
	for _, it := range items {
		if it.Applicable {
			out = append(out, it)
		}
	}
	return out
}

// CalculateOverallProgress sums every stage's buckets.
func CalculateOverallProgress(stages []domain.StageView) domain.OverallProgress {
	var o domain.OverallProgress
	for _, st := range stages {
		o.Completed += st.Progress.Completed
		o.InProgress += st.Progress.InProgress
		o.NotRequired += st.Progress.NotRequired
		o.NotCompleted += st.Progress.NotCompleted
		o.Total += st.Progress.Total
		if st.Signoff != nil {
			o.StagesSignedOff++
		}
	}
	o.TotalStages = len(stages)
	o.Percentage = percentage(o.ProgressSummary)
	return o
}

func tally(p *domain.ProgressSummary, s domain.Status) {
	switch s {
	case domain.StatusCompleted:
		p.Completed++
	case domain.StatusInProgress:
		p.InProgress++
	case domain.StatusNotRequired:
		p.NotRequired++
	default:
		p.NotCompleted++
	}
	p.Total++
}

// percentage is vacuously 100 for an empty set.
func percentage(p domain.ProgressSummary) int {
	if p.Total == 0 {
		return 100
	}
	return int(math.Round(100 * float64(p.Completed+p.NotRequired) / float64(p.Total)))
}
