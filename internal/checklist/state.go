package checklist

import (
	"sort"

	"readiness/internal/domain"
)

// BuildState assembles the readiness view of one activity. Items excluded by
// the configuration are reported as not_required but never counted.
func BuildState(cat domain.Catalog, cfg domain.ActivityConfig, responses map[string]domain.ItemResponse, signoffs map[string]domain.StageSignoff) domain.ReadinessState {
	stages := append([]domain.Stage(nil), cat.Stages...)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Position < stages[j].Position })

	byStage := map[string][]domain.ChecklistItemTemplate{}
	for _, it := range cat.Items {
		byStage[it.StageID] = append(byStage[it.StageID], it)
	}
	ctx := cfg.Context()

	state := domain.ReadinessState{Config: cfg, Stages: make([]domain.StageView, 0, len(stages))}
	for _, st := range stages {
		templates := byStage[st.ID]
		sort.SliceStable(templates, func(i, j int) bool { return templates[i].Position < templates[j].Position })
		view := domain.StageView{Stage: st, Items: make([]domain.ItemView, 0, len(templates))}
		for _, t := range templates {
			iv := domain.ItemView{Template: t, Applicable: IsApplicable(t, ctx)}
			if r, ok := responses[t.ID]; ok {
				r := r
				iv.Response = &r
			}
			if iv.Applicable {
				iv.EffectiveStatus = StatusOf(iv.Response)
			} else {
				iv.EffectiveStatus = domain.StatusNotRequired
			}
			view.Items = append(view.Items, iv)
		}
		if so, ok := signoffs[st.ID]; ok {
			so := so
			view.Signoff = &so
		}
		applicable := ApplicableItems(view.Items)
		view.Progress = CalculateProgress(applicable)
		view.State = StageStateOf(applicable, view.Signoff)
		state.Stages = append(state.Stages, view)
	}
	state.OverallProgress = CalculateOverallProgress(state.Stages)
	return state
}
