package term

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, kind := range Kinds {
		t.Run(kind.String(), func(t *testing.T) {
			original := mustNew(t, kind, 7, []LocalVariable{
				{GlobalID: 12, Value: 0.25, Lagrange: -0.125},
				{GlobalID: 3, Value: 0.75, Lagrange: 0.5},
				{GlobalID: 40, Value: 1, Lagrange: 0},
			}, []float32{1, -2.5, 0.3}, 0.8, GTE)

			fixed := original.AppendFixed(nil)
			require.Len(t, fixed, original.FixedSize())
			volatile := original.AppendVolatile(nil)
			require.Len(t, volatile, original.VolatileSize())

			decoded := Blank(kind)
			n, err := decoded.DecodeFixed(fixed)
			require.NoError(t, err)
			require.Equal(t, len(fixed), n)

			n, err = decoded.DecodeVolatile(volatile)
			require.NoError(t, err)
			require.Equal(t, len(volatile), n)

			require.True(t, original.Equal(decoded), "expected %s, got %s", original, decoded)
		})
	}
}

func TestConstraintRoundTrip(t *testing.T) {
	for name, comparator := range map[string]Comparator{"eq": EQ, "lte": LTE, "gte": GTE} {
		t.Run(name, func(t *testing.T) {
			original := mustNew(t, KindLinearConstraint, 3, []LocalVariable{
				{GlobalID: 5, Value: 0.4, Lagrange: 0.25},
				{GlobalID: 1, Value: 0.9, Lagrange: -1.5},
			}, []float32{2, -0.5}, -0.75, comparator)

			fixed := original.AppendFixed(nil)
			volatile := original.AppendVolatile(nil)

			decoded := Blank(KindLinearConstraint)
			n, err := decoded.DecodeFixed(fixed)
			require.NoError(t, err)
			require.Equal(t, len(fixed), n)
			n, err = decoded.DecodeVolatile(volatile)
			require.NoError(t, err)
			require.Equal(t, len(volatile), n)

			require.Equal(t, comparator, decoded.Comparator())
			require.Equal(t, []float32{2, -0.5}, decoded.Coefficients())
			require.Equal(t, float32(-0.75), decoded.Constant())
			require.Equal(t, int32(3), decoded.RuleIndex())
			require.Equal(t, original.Variables(), decoded.Variables())
			require.True(t, original.Equal(decoded), "expected %s, got %s", original, decoded)

			corrupt := append([]byte(nil), fixed...)
			corrupt[len(corrupt)-1] = 9
			_, err = Blank(KindLinearConstraint).DecodeFixed(corrupt)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestSizes(t *testing.T) {
	constraint := mustNew(t, KindLinearConstraint, 0, vars(0, 0), []float32{1, 1}, 1, LTE)
	// size, rule index, two ids, comparator plus two coefficients and the constant.
	require.Equal(t, 5*4+3*4, constraint.FixedSize())
	require.Equal(t, 4*4, constraint.VolatileSize())

	loss := mustNew(t, KindSquaredHingeLoss, 0, vars(0, 0), []float32{1, 1}, 1, LTE)
	require.Equal(t, 4*4+3*4, loss.FixedSize())
}

func TestDecodeReusesInstance(t *testing.T) {
	big := mustNew(t, KindHingeLoss, 1, vars(0.1, 0.2, 0.3, 0.4), []float32{1, 2, 3, 4}, 1, LTE)
	small := mustNew(t, KindHingeLoss, 2, vars(0.9), []float32{-1}, 0, LTE)

	target := Blank(KindHingeLoss)
	_, err := target.DecodeFixed(big.AppendFixed(nil))
	require.NoError(t, err)
	_, err = target.DecodeVolatile(big.AppendVolatile(nil))
	require.NoError(t, err)
	require.True(t, big.Equal(target))

	_, err = target.DecodeFixed(small.AppendFixed(nil))
	require.NoError(t, err)
	_, err = target.DecodeVolatile(small.AppendVolatile(nil))
	require.NoError(t, err)
	require.True(t, small.Equal(target))
}

func TestPutVolatile(t *testing.T) {
	original := mustNew(t, KindLinearLoss, 0, []LocalVariable{{GlobalID: 0, Value: 0.5, Lagrange: 0.25}}, []float32{1}, 0, LTE)
	buf := make([]byte, original.VolatileSize())
	original.PutVolatile(buf)
	require.Equal(t, original.AppendVolatile(nil), buf)
}

func TestDecodeMalformed(t *testing.T) {
	term := mustNew(t, KindLinearConstraint, 0, vars(0, 0), []float32{1, 1}, 1, EQ)
	fixed := term.AppendFixed(nil)

	t.Run("short_header", func(t *testing.T) {
		_, err := Blank(KindLinearConstraint).DecodeFixed(fixed[:3])
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("truncated_payload", func(t *testing.T) {
		_, err := Blank(KindLinearConstraint).DecodeFixed(fixed[:len(fixed)-1])
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("zero_size", func(t *testing.T) {
		_, err := Blank(KindHingeLoss).DecodeFixed(make([]byte, 32))
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("bad_comparator", func(t *testing.T) {
		corrupt := append([]byte(nil), fixed...)
		corrupt[len(corrupt)-1] = 9
		_, err := Blank(KindLinearConstraint).DecodeFixed(corrupt)
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("short_volatile", func(t *testing.T) {
		target := Blank(KindLinearConstraint)
		_, err := target.DecodeFixed(fixed)
		require.NoError(t, err)
		_, err = target.DecodeVolatile(make([]byte, 8))
		require.ErrorIs(t, err, ErrMalformed)
	})
}
