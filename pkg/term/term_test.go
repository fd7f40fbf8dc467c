package term

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticWeights []float32

func (w staticWeights) Weight(ruleIndex int32) float32 {
	return w[ruleIndex]
}

func vars(values ...float32) []LocalVariable {
	out := make([]LocalVariable, len(values))
	for i, v := range values {
		out[i] = LocalVariable{GlobalID: int32(i), Value: v}
	}
	return out
}

func mustNew(t *testing.T, kind Kind, ruleIndex int32, variables []LocalVariable, coefficients []float32, constant float32, comparator Comparator) *Term {
	t.Helper()
	term, err := New(kind, ruleIndex, variables, coefficients, constant, comparator)
	require.NoError(t, err)
	return term
}

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		name         string
		kind         Kind
		variables    []LocalVariable
		coefficients []float32
		comparator   Comparator
		errContains  string
	}{
		{
			name:         "valid_constraint",
			kind:         KindLinearConstraint,
			variables:    vars(0.1, 0.2),
			coefficients: []float32{1, -1},
			comparator:   EQ,
		},
		{
			name:         "unknown_kind",
			kind:         Kind(9),
			variables:    vars(0.1),
			coefficients: []float32{1},
			errContains:  "unknown kind 9",
		},
		{
			name:         "no_variables",
			kind:         KindHingeLoss,
			coefficients: []float32{},
			errContains:  "at least one variable",
		},
		{
			name:         "length_mismatch",
			kind:         KindHingeLoss,
			variables:    vars(0.1, 0.2),
			coefficients: []float32{1},
			errContains:  "2 variables but 1 coefficients",
		},
		{
			name:         "zero_coefficient",
			kind:         KindLinearLoss,
			variables:    vars(0.1, 0.2),
			coefficients: []float32{1, 0},
			errContains:  "coefficient 1 is 0",
		},
		{
			name:         "bad_comparator",
			kind:         KindLinearConstraint,
			variables:    vars(0.1),
			coefficients: []float32{1},
			comparator:   Comparator(7),
			errContains:  "unknown comparator 7",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			term, err := New(tc.kind, 0, tc.variables, tc.coefficients, 0, tc.comparator)
			if tc.errContains != "" {
				require.ErrorIs(t, err, ErrInvalidTerm)
				require.ErrorContains(t, err, tc.errContains)
				return
			}
			require.NoError(t, err)
			require.Equal(t, len(tc.variables), term.Size())
		})
	}
}

func TestNewCopiesInputs(t *testing.T) {
	variables := vars(0.1, 0.2)
	coefficients := []float32{1, 2}
	term := mustNew(t, KindHingeLoss, 0, variables, coefficients, 1, LTE)

	variables[0].Value = 0.9
	coefficients[0] = 5

	require.InDelta(t, 0.1, term.Variables()[0].Value, 1e-6)
	require.InDelta(t, 1, term.Coefficients()[0], 1e-9)
}

func TestUpdateLagrange(t *testing.T) {
	term := mustNew(t, KindLinearLoss, 0, []LocalVariable{
		{GlobalID: 1, Value: 0.5, Lagrange: 0.1},
		{GlobalID: 0, Value: 0.2, Lagrange: -0.3},
	}, []float32{1, 1}, 0, LTE)

	term.UpdateLagrange(2, []float32{0.4, 0.25})

	require.InDelta(t, 0.1+2*(0.5-0.25), term.Variables()[0].Lagrange, 1e-6)
	require.InDelta(t, -0.3+2*(0.2-0.4), term.Variables()[1].Lagrange, 1e-6)
}

func TestEvaluate(t *testing.T) {
	env := NewEnv(staticWeights{2})

	for _, tc := range []struct {
		name       string
		kind       Kind
		comparator Comparator
		values     []float32
		expected   float64
	}{
		{name: "linear", kind: KindLinearLoss, values: []float32{0.5, 0.5}, expected: 2 * (1 - 0.5)},
		{name: "squared_linear", kind: KindSquaredLinearLoss, values: []float32{0.1, 0.1}, expected: 2 * 0.09},
		{name: "hinge_active", kind: KindHingeLoss, values: []float32{0.5, 0.5}, expected: 1},
		{name: "hinge_inactive", kind: KindHingeLoss, values: []float32{0.1, 0.1}, expected: 0},
		{name: "squared_hinge_active", kind: KindSquaredHingeLoss, values: []float32{0.5, 0.5}, expected: 0.5},
		{name: "squared_hinge_inactive", kind: KindSquaredHingeLoss, values: []float32{0.2, 0.1}, expected: 0},
		{name: "constraint_lte_satisfied", kind: KindLinearConstraint, comparator: LTE, values: []float32{0.2, 0.3}, expected: 0},
		{name: "constraint_lte_violated", kind: KindLinearConstraint, comparator: LTE, values: []float32{0.4, 0.3}, expected: math.Inf(1)},
		{name: "constraint_gte_satisfied", kind: KindLinearConstraint, comparator: GTE, values: []float32{0.4, 0.3}, expected: 0},
		{name: "constraint_eq_within_tolerance", kind: KindLinearConstraint, comparator: EQ, values: []float32{0.2505, 0.25}, expected: 0},
		{name: "constraint_eq_violated", kind: KindLinearConstraint, comparator: EQ, values: []float32{0.3, 0.25}, expected: math.Inf(1)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			term := mustNew(t, tc.kind, 0, vars(tc.values...), []float32{1, 1}, 0.5, tc.comparator)

			got := term.Evaluate(env)
			if math.IsInf(tc.expected, 1) {
				require.True(t, math.IsInf(got, 1))
			} else {
				require.InDelta(t, tc.expected, got, 1e-6)
			}

			// The same values supplied as consensus yield the same loss.
			gotAt := term.EvaluateAt(env, tc.values)
			require.Equal(t, got, gotAt)
		})
	}
}

func TestEqual(t *testing.T) {
	base := func() *Term {
		return mustNew(t, KindLinearConstraint, 3, vars(0.1, 0.2), []float32{1, -1}, 0.5, GTE)
	}

	require.True(t, base().Equal(base()))

	other := base()
	other.variables[1].Lagrange = 0.01
	require.False(t, base().Equal(other))

	other = base()
	other.comparator = LTE
	require.False(t, base().Equal(other))

	other = base()
	other.ruleIndex = 4
	require.False(t, base().Equal(other))

	require.False(t, base().Equal(nil))

	loss := mustNew(t, KindHingeLoss, 3, vars(0.1, 0.2), []float32{1, -1}, 0.5, GTE)
	require.False(t, base().Equal(loss))
}

func TestString(t *testing.T) {
	term := mustNew(t, KindLinearConstraint, 2, vars(0, 0), []float32{1, -0.5}, 1, EQ)
	require.Equal(t, "linear_constraint(1 * x0 + -0.5 * x1 = 1) rule=2", term.String())
}
