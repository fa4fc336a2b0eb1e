// Package events implements EventEngine (C6): usage+limits+rules to
// new events, event aging, and event reduction into per-resource
// scale-up/scale-down counters.
package events

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/serverless-containers/guardian/internal/domain"
	"github.com/serverless-containers/guardian/internal/rule"
)

// Generate evaluates every active, events-generating rule whose
// resource is guard:true in resources, building the evaluation context
// from each resource's own min/max/current/usage fields. Usage must
// already be populated on resources (the scheduler fills it in from
// MetricsClient before calling Generate) so that two guarded resources
// in the same structure never share a single usage value. A firing
// rule emits one Event named by whichever of
// action.events.scale.{up,down} is nonzero; both nonzero is a rule
// authoring error reported as domain.ErrRuleMalformed (spec.md section
// 9, open question).
func Generate(structureName string, rules []domain.Rule, limits *domain.Limits, resources map[domain.Resource]domain.ResourceState, now time.Time, logger *slog.Logger) []domain.Event {
	var out []domain.Event
	for _, r := range rules {
		if !r.Active || r.Generates != domain.GeneratesEvents {
			continue
		}
		rs, ok := resources[r.Resource]
		if !ok || !rs.Guard {
			continue
		}

		eventName, err := selectEventName(r)
		if err != nil {
			if logger != nil {
				logger.Warn("rule skipped: malformed event selection", "rule", r.Name, "structure", structureName, "error", err)
			}
			continue
		}

		ctx := buildContext(r.Resource, rs, limits)
		fired, err := rule.Eval(r.Predicate, ctx)
		if err != nil {
			if logger != nil {
				logger.Warn("rule skipped: evaluation failed", "rule", r.Name, "structure", structureName, "error", err)
			}
			continue
		}
		if !fired {
			continue
		}

		out = append(out, domain.Event{
			Name:      eventName,
			Resource:  r.Resource,
			Structure: structureName,
			Type:      "event",
			Timestamp: now.Unix(),
		})
	}
	return out
}

// selectEventName picks whichever of scale.up/scale.down is nonzero,
// using its name to build a deterministic event identifier. Both
// nonzero is treated as a rule authoring error.
func selectEventName(r domain.Rule) (string, error) {
	up := r.Action.Events.Scale.Up != 0
	down := r.Action.Events.Scale.Down != 0
	switch {
	case up && down:
		return "", fmt.Errorf("rule %s: both scale.up and scale.down are nonzero: %w", r.Name, domain.ErrRuleMalformed)
	case up:
		return r.Name + ".up", nil
	case down:
		return r.Name + ".down", nil
	default:
		return "", fmt.Errorf("rule %s: neither scale.up nor scale.down is nonzero: %w", r.Name, domain.ErrRuleMalformed)
	}
}

// buildContext assembles the per-resource evaluation context from the
// structure's own resource state, per spec.md section 4.6's generate
// operation.
func buildContext(res domain.Resource, rs domain.ResourceState, limits *domain.Limits) rule.Context {
	structureMap := map[string]any{
		"min": rs.Min,
		"max": rs.Max,
	}
	if rs.Current != nil {
		structureMap["current"] = *rs.Current
	}
	if rs.Usage != nil {
		structureMap["usage"] = *rs.Usage
	}

	limitsMap := map[string]any{}
	if limits != nil {
		if rl, ok := limits.Resources[res]; ok {
			limitsMap["lower"] = rl.Lower
			limitsMap["upper"] = rl.Upper
			limitsMap["boundary"] = rl.Boundary
		}
	}

	return rule.Context{
		"limits":    map[string]any{string(res): limitsMap},
		"structure": map[string]any{string(res): structureMap},
	}
}

// Age partitions all into events whose timestamp is still within
// timeout of now (valid) and events older than that (stale). now is
// captured once by the caller so repeated calls within the same tick
// are consistent; calling Age twice with the same now is idempotent
// (spec.md section 8, property 4).
func Age(all []domain.Event, timeoutSeconds int64, now time.Time) (valid, stale []domain.Event) {
	cutoff := now.Unix() - timeoutSeconds
	for _, e := range all {
		if e.Timestamp >= cutoff {
			valid = append(valid, e)
		} else {
			stale = append(stale, e)
		}
	}
	return valid, stale
}

// Reduce sums the per-direction scale counters across validEvents,
// keyed by resource. Missing resources are simply absent from the
// result (callers treat a missing entry as zero in both directions).
// Reduce(A union B) == Reduce(A) + Reduce(B) componentwise (spec.md
// section 8, property 5).
func Reduce(validEvents []domain.Event) map[domain.Resource]domain.ReducedCounters {
	out := make(map[domain.Resource]domain.ReducedCounters)
	for _, e := range validEvents {
		rc := out[e.Resource]
		if isUpEvent(e) {
			rc.Events.Scale.Up++
		} else {
			rc.Events.Scale.Down++
		}
		out[e.Resource] = rc
	}
	return out
}

func isUpEvent(e domain.Event) bool {
	return len(e.Name) >= 3 && e.Name[len(e.Name)-3:] == ".up"
}
