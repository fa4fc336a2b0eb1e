package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverless-containers/guardian/internal/domain"
)

func intPtr(n int) *int { return &n }

func cpuExceededUpperRule() domain.Rule {
	r := domain.Rule{
		Name:      "cpu_exceeded_upper",
		Active:    true,
		Resource:  domain.ResourceCPU,
		Generates: domain.GeneratesEvents,
		Predicate: map[string]any{
			">=": []any{
				map[string]any{"var": "structure.cpu.usage"},
				map[string]any{"var": "limits.cpu.upper"},
			},
		},
	}
	r.Action.Events.Scale.Up = 1
	return r
}

func TestGenerate_S1_FiresEvent(t *testing.T) {
	rules := []domain.Rule{cpuExceededUpperRule()}
	resources := map[domain.Resource]domain.ResourceState{
		domain.ResourceCPU: {Min: 50, Max: 200, Current: intPtr(140), Usage: intPtr(180), Guard: true},
	}
	limits := &domain.Limits{Name: "node0", Resources: map[domain.Resource]domain.ResourceLimits{
		domain.ResourceCPU: {Lower: 80, Upper: 120, Boundary: 20},
	}}

	got := Generate("node0", rules, limits, resources, time.Now(), nil)
	require.Len(t, got, 1)
	assert.Equal(t, "cpu_exceeded_upper.up", got[0].Name)
	assert.Equal(t, domain.ResourceCPU, got[0].Resource)
}

func TestGenerate_SkipsUnguardedResource(t *testing.T) {
	rules := []domain.Rule{cpuExceededUpperRule()}
	resources := map[domain.Resource]domain.ResourceState{
		domain.ResourceCPU: {Min: 50, Max: 200, Current: intPtr(140), Usage: intPtr(180), Guard: false},
	}
	limits := &domain.Limits{Name: "node0", Resources: map[domain.Resource]domain.ResourceLimits{
		domain.ResourceCPU: {Lower: 80, Upper: 120, Boundary: 20},
	}}
	got := Generate("node0", rules, limits, resources, time.Now(), nil)
	assert.Empty(t, got)
}

func TestGenerate_BothScaleBucketsNonzeroIsSkippedAsMalformed(t *testing.T) {
	r := cpuExceededUpperRule()
	r.Action.Events.Scale.Down = 1 // both up and down now nonzero
	resources := map[domain.Resource]domain.ResourceState{
		domain.ResourceCPU: {Min: 50, Max: 200, Current: intPtr(140), Usage: intPtr(180), Guard: true},
	}
	limits := &domain.Limits{Name: "node0", Resources: map[domain.Resource]domain.ResourceLimits{
		domain.ResourceCPU: {Lower: 80, Upper: 120, Boundary: 20},
	}}
	got := Generate("node0", []domain.Rule{r}, limits, resources, time.Now(), nil)
	assert.Empty(t, got)
}

func TestAge_S5Scenario(t *testing.T) {
	now := time.Now()
	mk := func(secondsAgo int64) domain.Event {
		return domain.Event{Name: "x", Timestamp: now.Unix() - secondsAgo}
	}
	all := []domain.Event{mk(5), mk(15), mk(35), mk(45), mk(60)}

	valid, stale := Age(all, 40, now)
	assert.Len(t, valid, 3)
	assert.Len(t, stale, 2)
}

func TestAge_Idempotent(t *testing.T) {
	now := time.Now()
	all := []domain.Event{{Timestamp: now.Unix() - 10}, {Timestamp: now.Unix() - 50}}

	valid1, _ := Age(all, 40, now)
	valid2, _ := Age(valid1, 40, now)
	assert.Equal(t, valid1, valid2)
}

func TestReduce_Homomorphism(t *testing.T) {
	a := []domain.Event{{Name: "r.up", Resource: domain.ResourceCPU}}
	b := []domain.Event{{Name: "r.up", Resource: domain.ResourceCPU}, {Name: "r.down", Resource: domain.ResourceMem}}

	union := append(append([]domain.Event{}, a...), b...)

	ra, rb, rUnion := Reduce(a), Reduce(b), Reduce(union)

	combined := ra[domain.ResourceCPU].Events.Scale.Up + rb[domain.ResourceCPU].Events.Scale.Up
	assert.Equal(t, rUnion[domain.ResourceCPU].Events.Scale.Up, combined)
	assert.Equal(t, rUnion[domain.ResourceMem].Events.Scale.Down, rb[domain.ResourceMem].Events.Scale.Down)
}
