package requests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverless-containers/guardian/internal/domain"
)

func intPtr(n int) *int { return &n }

func TestEvaluate_S1_EmitsRequestOnThreeEvents(t *testing.T) {
	r := domain.Rule{
		Name:      "cpu_exceeded_upper",
		Active:    true,
		Resource:  domain.ResourceCPU,
		Generates: domain.GeneratesRequests,
		Predicate: map[string]any{">=": []any{map[string]any{"var": "events.scale.up"}, 3.0}},
		RescaleBy: domain.RescaleByFitToUsage,
		EventsToRemove: 3,
	}
	r.Action.Events.Scale.Up = 1

	structure := &domain.Structure{
		Name: "node0", Type: "structure", Subtype: domain.SubtypeContainer,
		Resources: map[domain.Resource]domain.ResourceState{
			domain.ResourceCPU: {Min: 50, Max: 200, Current: intPtr(140), Guard: true},
		},
	}
	limits := &domain.Limits{Name: "node0", Resources: map[domain.Resource]domain.ResourceLimits{
		domain.ResourceCPU: {Lower: 80, Upper: 120, Boundary: 20},
	}}
	reduced := map[domain.Resource]domain.ReducedCounters{
		domain.ResourceCPU: {Events: struct {
			Scale domain.ScaleCounters `json:"scale"`
		}{Scale: domain.ScaleCounters{Up: 3}}},
	}
	usages := map[domain.Resource]*int{domain.ResourceCPU: intPtr(180)}

	result := Evaluate(structure, []domain.Rule{r}, reduced, limits, usages, 5, time.Now(), nil)
	require.Len(t, result.Requests, 1)
	assert.Equal(t, domain.ResourceCPU, result.Requests[0].Resource)
	assert.Equal(t, 60, result.Requests[0].Amount)
	assert.Equal(t, 3, result.EventsToRemove["cpu_exceeded_upper.up"])
}

func TestEvaluate_S2_ZeroAmountProducesNoRequestButStillMarksConsumption(t *testing.T) {
	r := domain.Rule{
		Name: "cpu_exceeded_upper", Active: true, Resource: domain.ResourceCPU,
		Generates: domain.GeneratesRequests,
		Predicate: map[string]any{">=": []any{map[string]any{"var": "events.scale.up"}, 3.0}},
		RescaleBy: domain.RescaleByFitToUsage, EventsToRemove: 3,
	}
	r.Action.Events.Scale.Up = 1

	structure := &domain.Structure{
		Name: "node0", Type: "structure", Subtype: domain.SubtypeContainer,
		Resources: map[domain.Resource]domain.ResourceState{
			domain.ResourceCPU: {Min: 50, Max: 200, Current: intPtr(200), Guard: true},
		},
	}
	limits := &domain.Limits{Name: "node0", Resources: map[domain.Resource]domain.ResourceLimits{
		domain.ResourceCPU: {Lower: 80, Upper: 120, Boundary: 20},
	}}
	reduced := map[domain.Resource]domain.ReducedCounters{
		domain.ResourceCPU: {Events: struct {
			Scale domain.ScaleCounters `json:"scale"`
		}{Scale: domain.ScaleCounters{Up: 3}}},
	}
	usages := map[domain.Resource]*int{domain.ResourceCPU: intPtr(180)}

	result := Evaluate(structure, []domain.Rule{r}, reduced, limits, usages, 5, time.Now(), nil)
	assert.Empty(t, result.Requests)
	assert.Equal(t, 3, result.EventsToRemove["cpu_exceeded_upper.up"])
}

func TestEvaluate_S3_EnergyRemapsToCPU(t *testing.T) {
	r := domain.Rule{
		Name: "energy_high", Active: true, Resource: domain.ResourceEnergy,
		Generates: domain.GeneratesRequests,
		Predicate: map[string]any{">=": []any{map[string]any{"var": "events.scale.up"}, 1.0}},
		RescaleBy: domain.RescaleByProportional,
	}
	r.Action.Events.Scale.Up = 1

	structure := &domain.Structure{
		Name: "node0", Type: "structure", Subtype: domain.SubtypeContainer,
		Resources: map[domain.Resource]domain.ResourceState{
			domain.ResourceEnergy: {Min: 0, Max: 20, Usage: intPtr(12), Guard: true},
			domain.ResourceCPU:    {Min: 50, Max: 200, Current: intPtr(140), Guard: true},
		},
	}
	limits := &domain.Limits{Name: "node0", Resources: map[domain.Resource]domain.ResourceLimits{
		domain.ResourceEnergy: {Lower: 0, Upper: 20, Boundary: 1},
	}}
	reduced := map[domain.Resource]domain.ReducedCounters{
		domain.ResourceEnergy: {Events: struct {
			Scale domain.ScaleCounters `json:"scale"`
		}{Scale: domain.ScaleCounters{Up: 1}}},
	}
	usages := map[domain.Resource]*int{domain.ResourceEnergy: intPtr(12)}

	result := Evaluate(structure, []domain.Rule{r}, reduced, limits, usages, 5, time.Now(), nil)
	require.Len(t, result.Requests, 1)
	assert.Equal(t, domain.ResourceCPU, result.Requests[0].Resource)
	assert.True(t, result.Requests[0].ForEnergy)
	assert.Equal(t, 40, result.Requests[0].Amount)
}

func TestEvaluate_SkipsWhenNoCurrentOnContainer(t *testing.T) {
	r := domain.Rule{
		Name: "cpu_exceeded_upper", Active: true, Resource: domain.ResourceCPU,
		Generates: domain.GeneratesRequests,
		Predicate: map[string]any{">=": []any{map[string]any{"var": "events.scale.up"}, 1.0}},
	}
	r.Action.Events.Scale.Up = 1

	structure := &domain.Structure{
		Name: "node0", Type: "structure", Subtype: domain.SubtypeContainer,
		Resources: map[domain.Resource]domain.ResourceState{domain.ResourceCPU: {Min: 50, Max: 200, Guard: true}},
	}
	reduced := map[domain.Resource]domain.ReducedCounters{
		domain.ResourceCPU: {Events: struct {
			Scale domain.ScaleCounters `json:"scale"`
		}{Scale: domain.ScaleCounters{Up: 1}}},
	}
	result := Evaluate(structure, []domain.Rule{r}, reduced, nil, nil, 5, time.Now(), nil)
	assert.Empty(t, result.Requests)
}
