// Package policy implements AmountPolicy (C5): computing a signed
// rescale amount from a fired rule plus current state and usage, then
// clamping it to the structure's allowed range.
package policy

import (
	"log/slog"

	"github.com/serverless-containers/guardian/internal/domain"
)

// Input bundles everything AmountPolicy needs to compute and clamp an
// amount for a single fired rule.
type Input struct {
	Rule      domain.Rule
	Resource  domain.ResourceState
	Limits    domain.ResourceLimits
	Usage     *int
	SharesPerWatt int
}

// Compute returns the clamped signed rescale amount for in. A returned
// amount of zero means no request should be emitted. Computation for
// resources in domain.NonAdjustable skips clamping entirely, per
// spec.md section 4.5.
func Compute(in Input, logger *slog.Logger) int {
	amount := rawAmount(in, logger)
	amount = snapToSign(amount)

	if domain.NonAdjustable[in.Rule.Resource] {
		return amount
	}
	return clamp(amount, in.Resource, in.Limits)
}

// rawAmount dispatches to the policy named by in.Rule.RescaleBy,
// defaulting to RescaleByAmount with a warning on anything
// unrecognized (spec.md section 4.5).
func rawAmount(in Input, logger *slog.Logger) int {
	switch in.Rule.RescaleBy {
	case domain.RescaleByAmount, "":
		if in.Rule.RescaleBy == "" && logger != nil {
			logger.Warn("rule has no rescale_by, defaulting to amount", "rule", in.Rule.Name)
		}
		return in.Rule.Amount

	case domain.RescaleByFitToUsage:
		usage := 0
		if in.Usage != nil {
			usage = *in.Usage
		}
		current := 0
		if in.Resource.Current != nil {
			current = *in.Resource.Current
		}
		// amount := (usage + boundary/2 + boundary) - current, placing
		// usage between the new lower and upper while preserving a
		// full boundary gap between current and upper.
		return (usage + in.Limits.Boundary/2 + in.Limits.Boundary) - current

	case domain.RescaleByProportional:
		if in.Rule.Resource != domain.ResourceEnergy {
			if logger != nil {
				logger.Warn("proportional rescale_by used on non-energy resource, defaulting to amount", "rule", in.Rule.Name, "resource", in.Rule.Resource)
			}
			return in.Rule.Amount
		}
		usage := 0
		if in.Usage != nil {
			usage = *in.Usage
		}
		// (max - usage) * shares_per_watt, truncated to integer;
		// drives CPU shares based on headroom to the energy cap.
		return (in.Resource.Max - usage) * in.SharesPerWatt

	default:
		if logger != nil {
			logger.Warn("unknown rescale_by, defaulting to amount", "rule", in.Rule.Name, "rescale_by", in.Rule.RescaleBy)
		}
		return in.Rule.Amount
	}
}

// snapToSign prevents indefinite re-triggering on fractional rounding:
// a nonzero amount in (-1, 1) snaps to its sign.
func snapToSign(amount int) int {
	if amount == 0 {
		return 0
	}
	if amount > 0 && amount < 1 {
		return 1
	}
	if amount < 0 && amount > -1 {
		return -1
	}
	return amount
}

// clamp keeps current+amount within [min, max] and lower+amount >= min.
// Mirrors the original's adjust_amount: only one branch applies per
// call (an expected_value above max and a new_lower below min are
// mutually exclusive for a single rescale direction).
func clamp(amount int, rs domain.ResourceState, rl domain.ResourceLimits) int {
	if rs.Current == nil {
		return amount
	}
	current := *rs.Current
	expected := current + amount
	newLower := rl.Lower + amount

	if newLower < rs.Min {
		amount += rs.Min - newLower
	} else if expected > rs.Max {
		amount -= expected - rs.Max
	}
	return amount
}

// EnergyRemap rewrites an energy-driven rule's emitted request to
// target cpu with ForEnergy set, per spec.md section 4.5.
func EnergyRemap(resource domain.Resource) (out domain.Resource, forEnergy bool) {
	if resource == domain.ResourceEnergy {
		return domain.ResourceCPU, true
	}
	return resource, false
}
