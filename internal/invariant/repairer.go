// Package invariant implements the StateInvariantRepairer (C4): it
// checks lower < upper < current <= max and, when the ordering is
// violated, repairs limits in place by setting upper = current -
// boundary and lower = upper - boundary. Limits that already satisfy
// the ordering are left as they are, and lower is not checked against
// min.
package invariant

import (
	"fmt"

	"github.com/serverless-containers/guardian/internal/domain"
)

const maxRepairAttempts = 10

// Repair validates and, if necessary, repairs limits for each resource
// label in guarded, mutating limits.Resources in place. Applications
// (no `current`) are passed through untouched — the repairer only
// operates on containers (spec.md section 4.4, step 5).
//
// lower may legitimately slip below min after a repair. This matches
// the original source's behaviour (a commented-out clamp) and is
// intentionally not "fixed" here; see DESIGN.md.
func Repair(resources map[domain.Resource]domain.ResourceState, limits *domain.Limits, guarded []domain.Resource) error {
	for _, res := range guarded {
		rs, ok := resources[res]
		if !ok || rs.Current == nil {
			continue // application, or not-yet-actuated container: nothing to repair
		}
		rl, ok := limits.Resources[res]
		if !ok {
			return fmt.Errorf("invariant: %s: missing limits: %w", res, domain.ErrResourceStateInvalid)
		}
		if rl.Boundary == 0 {
			return fmt.Errorf("invariant: %s: missing boundary: %w", res, domain.ErrResourceStateInvalid)
		}

		repaired, err := repairOne(rs, rl, res)
		if err != nil {
			return err
		}
		limits.Resources[res] = repaired
	}
	return nil
}

func repairOne(rs domain.ResourceState, rl domain.ResourceLimits, res domain.Resource) (domain.ResourceLimits, error) {
	current := *rs.Current

	if current > rs.Max {
		return rl, fmt.Errorf("invariant: %s: current %d exceeds max %d: %w", res, current, rs.Max, domain.ErrLimitAboveMax)
	}

	for attempt := 0; attempt < maxRepairAttempts; attempt++ {
		if rl.Upper < current && rl.Lower < rl.Upper {
			return rl, nil
		}
		rl.Upper = current - rl.Boundary
		rl.Lower = rl.Upper - rl.Boundary
	}

	if rl.Upper < current && rl.Lower < rl.Upper {
		return rl, nil
	}
	return rl, fmt.Errorf("invariant: %s: still invalid after %d repair attempts: %w", res, maxRepairAttempts, domain.ErrResourceStateUnfixable)
}
