// Package requests implements RequestEngine (C7): turning reduced
// event counters plus request-generating rules into Request documents,
// and tracking which events those requests consume.
package requests

import (
	"log/slog"
	"time"

	"github.com/serverless-containers/guardian/internal/domain"
	"github.com/serverless-containers/guardian/internal/policy"
	"github.com/serverless-containers/guardian/internal/rule"
)

// Result is RequestEngine's output for one structure: the requests to
// write, and how many events of each name to consume via
// DeleteNumEventsByStructure.
type Result struct {
	Requests      []domain.Request
	EventsToRemove map[string]int // event name -> count
}

// Evaluate runs every active, requests-generating rule against reduced
// counters and emits a Request per rule that fires with a nonzero
// clamped amount. Two rules firing for the same resource both produce
// requests; no deduplication happens at this layer (spec.md section
// 4.7, tie-break).
func Evaluate(structure *domain.Structure, rules []domain.Rule, reduced map[domain.Resource]domain.ReducedCounters, limits *domain.Limits, usages map[domain.Resource]*int, sharesPerWatt int, now time.Time, logger *slog.Logger) Result {
	result := Result{EventsToRemove: make(map[string]int)}

	for _, r := range rules {
		if !r.Active || r.Generates != domain.GeneratesRequests {
			continue
		}
		counters, ok := reduced[r.Resource]
		if !ok {
			continue
		}

		rs, hasResource := structure.Resources[r.Resource]
		// energy carries Usage in place of Current (see domain.ResourceState).
		hasValue := hasResource && (rs.Current != nil || (r.Resource == domain.ResourceEnergy && rs.Usage != nil))
		if structure.IsContainer() && !hasValue {
			if logger != nil {
				logger.Warn("skipping request rule: container has no current value", "rule", r.Name, "structure", structure.Name, "resource", r.Resource)
			}
			continue
		}

		ctx := rule.Context{"events": map[string]any{
			"scale": map[string]any{
				"up":   counters.Events.Scale.Up,
				"down": counters.Events.Scale.Down,
			},
		}}
		fired, err := rule.Eval(r.Predicate, ctx)
		if err != nil {
			if logger != nil {
				logger.Warn("request rule skipped: evaluation failed", "rule", r.Name, "structure", structure.Name, "error", err)
			}
			continue
		}
		if !fired {
			continue
		}

		var rl domain.ResourceLimits
		if limits != nil {
			rl = limits.Resources[r.Resource]
		}

		amount := policy.Compute(policy.Input{
			Rule:          r,
			Resource:      rs,
			Limits:        rl,
			Usage:         usages[r.Resource],
			SharesPerWatt: sharesPerWatt,
		}, logger)

		// A rule that fires still consumes its events even when the
		// computed amount clamps to zero - only the request document
		// is skipped.
		if r.EventsToRemove > 0 {
			eventName, nameErr := firedEventName(r)
			if nameErr == nil {
				result.EventsToRemove[eventName] += r.EventsToRemove
			}
		}

		if amount == 0 {
			continue
		}

		outResource, forEnergy := policy.EnergyRemap(r.Resource)

		req := domain.Request{
			Type:          "request",
			Resource:      outResource,
			Amount:        amount,
			Structure:     structure.Name,
			StructureType: structure.Subtype,
			Action:        r.Name,
			Timestamp:     now.Unix(),
			ForEnergy:     forEnergy,
		}
		if structure.IsContainer() {
			req.Host = structure.Host
			req.HostRescalerIP = structure.HostIP
			req.HostRescalerPort = structure.HostPort
		}
		result.Requests = append(result.Requests, req)
	}

	return result
}

// firedEventName mirrors the naming convention internal/events uses
// when generating events for this rule, so the correct name is passed
// to DeleteNumEventsByStructure.
func firedEventName(r domain.Rule) (string, error) {
	switch {
	case r.Action.Events.Scale.Up != 0:
		return r.Name + ".up", nil
	case r.Action.Events.Scale.Down != 0:
		return r.Name + ".down", nil
	default:
		return "", domain.ErrRuleMalformed
	}
}
