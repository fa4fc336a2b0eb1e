package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/serverless-containers/guardian/internal/domain"
)

func intPtr(n int) *int { return &n }

func TestCompute_S1_FitToUsageClampedToMax(t *testing.T) {
	in := Input{
		Rule:     domain.Rule{Name: "cpu_exceeded_upper", Resource: domain.ResourceCPU, RescaleBy: domain.RescaleByFitToUsage},
		Resource: domain.ResourceState{Min: 50, Max: 200, Current: intPtr(140)},
		Limits:   domain.ResourceLimits{Lower: 80, Upper: 120, Boundary: 20},
		Usage:    intPtr(180),
	}
	amount := Compute(in, nil)
	assert.Equal(t, 60, amount) // clamp to max=200: 200-140
}

func TestCompute_S2_ClampToZero(t *testing.T) {
	in := Input{
		Rule:     domain.Rule{Name: "cpu_exceeded_upper", Resource: domain.ResourceCPU, RescaleBy: domain.RescaleByFitToUsage},
		Resource: domain.ResourceState{Min: 50, Max: 200, Current: intPtr(200)},
		Limits:   domain.ResourceLimits{Lower: 80, Upper: 120, Boundary: 20},
		Usage:    intPtr(180),
	}
	amount := Compute(in, nil)
	assert.Equal(t, 0, amount)
}

func TestCompute_S3_ProportionalEnergy(t *testing.T) {
	in := Input{
		Rule:          domain.Rule{Name: "energy_high", Resource: domain.ResourceEnergy, RescaleBy: domain.RescaleByProportional},
		Resource:      domain.ResourceState{Min: 0, Max: 20, Usage: intPtr(12)},
		Limits:        domain.ResourceLimits{Lower: 0, Upper: 20, Boundary: 1},
		Usage:         intPtr(12),
		SharesPerWatt: 5,
	}
	amount := Compute(in, nil)
	// energy is non-adjustable so no clamp; amount = (20-12)*5 = 40
	assert.Equal(t, 40, amount)

	out, forEnergy := EnergyRemap(in.Rule.Resource)
	assert.Equal(t, domain.ResourceCPU, out)
	assert.True(t, forEnergy)
}

func TestSnapToSign(t *testing.T) {
	assert.Equal(t, 0, snapToSign(0))
	assert.Equal(t, 1, snapToSign(1))
	assert.Equal(t, -1, snapToSign(-1))
}

func TestCompute_DefaultsToAmountWhenRescaleByMissing(t *testing.T) {
	in := Input{
		Rule:     domain.Rule{Name: "fixed", Resource: domain.ResourceMem, Amount: 50},
		Resource: domain.ResourceState{Min: 0, Max: 1000, Current: intPtr(500)},
		Limits:   domain.ResourceLimits{Lower: 400, Upper: 480, Boundary: 20},
	}
	amount := Compute(in, nil)
	assert.Equal(t, 50, amount)
}

func TestClamp_LowerBelowMinBranch(t *testing.T) {
	amount := clamp(-100, domain.ResourceState{Min: 50, Max: 200, Current: intPtr(140)}, domain.ResourceLimits{Lower: 80, Upper: 120, Boundary: 20})
	// newLower = 80-100 = -20 < min(50) -> amount += (50 - (-20)) = +70 -> -30
	assert.Equal(t, -30, amount)
}
