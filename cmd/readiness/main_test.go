package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"readiness/internal/domain"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ValidationError{Field: "status", Reason: "bad"}, 2},
		{fmt.Errorf("wrapped: %w", domain.PreconditionError{Reason: "not ready"}), 3},
		{domain.ConflictError{Reason: "signed"}, 3},
		{domain.ForbiddenError{Permission: "readiness.signoff"}, 3},
		{domain.NotFoundError{Entity: "stage", ID: "x"}, 4},
		{domain.TransportError{Op: "fetch state", Err: errors.New("refused")}, 5},
		{domain.StaleStateError{Op: "sign off", Err: domain.TransportError{Op: "fetch state", Err: errors.New("reset")}}, 6},
		{context.Canceled, 130},
		{errors.New("boom"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Errorf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRestriction(t *testing.T) {
	it := domain.ChecklistItemTemplate{FinancingTypes: []string{"loan", "guarantee"}, InfrastructureOnly: true}
	if got := restriction(it); got != "type: loan,guarantee; infrastructure" {
		t.Fatalf("restriction = %q", got)
	}
	if got := restriction(domain.ChecklistItemTemplate{}); got != "all" {
		t.Fatalf("restriction = %q", got)
	}
}
