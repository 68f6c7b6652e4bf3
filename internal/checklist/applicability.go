// Package checklist holds the pure readiness rules: which items apply to an
// activity, how responses roll up into progress, and when a stage may be
// signed off. Every function here is total over its inputs.
package checklist

import "readiness/internal/domain"

// IsApplicable reports whether item applies under ctx. A restricted axis
// requires the context value to be set and listed; an unrestricted axis
// always passes.
func IsApplicable(item domain.ChecklistItemTemplate, ctx domain.ApplicabilityContext) bool {
	if !allowed(item.FinancingTypes, ctx.FinancingType) {
		return false
	}
	if !allowed(item.FinancingModalities, ctx.FinancingModality) {
		return false
	}
	if item.InfrastructureOnly && !ctx.IsInfrastructure {
		return false
	}
	return true
}

func allowed(restriction []string, value *string) bool {
	if len(restriction) == 0 {
		return true
	}
	if value == nil {
		return false
	}
	for _, r := range restriction {
		if r == *value {
			return true
		}
	}
	return false
}

// FilterApplicable returns the templates that apply under ctx, keeping order.
func FilterApplicable(items []domain.ChecklistItemTemplate, ctx domain.ApplicabilityContext) []domain.ChecklistItemTemplate {
	out := make([]domain.ChecklistItemTemplate, 0, len(items))
	for _, it := range items {
		if IsApplicable(it, ctx) {
			out = append(out, it)
		}
	}
	return out
}
