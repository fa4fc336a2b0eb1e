package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverless-containers/guardian/internal/domain"
)

func TestEval_ComparisonAndVar(t *testing.T) {
	ctx := Context{"structure": map[string]any{"cpu": map[string]any{"usage": 180.0}}}
	predicate := map[string]any{
		">=": []any{
			map[string]any{"var": "structure.cpu.usage"},
			120.0,
		},
	}
	ok, err := Eval(predicate, ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEval_AndOrNot(t *testing.T) {
	ctx := Context{"a": 1.0, "b": 2.0}
	predicate := map[string]any{
		"and": []any{
			map[string]any{"==": []any{map[string]any{"var": "a"}, 1.0}},
			map[string]any{"not": []any{map[string]any{"==": []any{map[string]any{"var": "b"}, 1.0}}}},
		},
	}
	ok, err := Eval(predicate, ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEval_UnknownOperatorIsRuleMalformed(t *testing.T) {
	_, err := Eval(map[string]any{"bogus": []any{1.0, 2.0}}, Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRuleMalformed)
}

func TestEval_MissingVariableIsRuleMalformed(t *testing.T) {
	_, err := Eval(map[string]any{"var": "missing.field"}, Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRuleMalformed)
}

func TestEval_ArithmeticDivisionByZero(t *testing.T) {
	_, err := Eval(map[string]any{"==": []any{
		map[string]any{"/": []any{1.0, 0.0}}, 1.0,
	}}, Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRuleMalformed)
}

func TestValidationCache_CachesAcrossCalls(t *testing.T) {
	vc, err := NewValidationCache(8)
	require.NoError(t, err)

	r := domain.Rule{Name: "cpu_exceeded_upper", Predicate: map[string]any{
		">=": []any{map[string]any{"var": "structure.cpu.usage"}, 120.0},
	}}

	require.NoError(t, vc.Validate(r))
	require.NoError(t, vc.Validate(r)) // cached path

	bad := domain.Rule{Name: "broken", Predicate: map[string]any{"bogus": []any{}}}
	err = vc.Validate(bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRuleMalformed)
}
