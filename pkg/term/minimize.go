package term

import (
	"fmt"
	"math"
)

// Minimize sets the local values to
//
//	argmin f(x) + stepSize/2 * ||x - z + y/stepSize||^2
//
// where f is the term's loss, z the consensus values and y the Lagrange multipliers.
// Constraints minimize the quadratic part alone subject to the constraint holding.
func (t *Term) Minimize(env *Env, stepSize float32, consensus []float32) error {
	rho := float64(stepSize)
	if rho <= 0 {
		return fmt.Errorf("%w: step size must be positive, got %v", ErrInvalidTerm, stepSize)
	}

	switch t.kind {
	case KindLinearConstraint:
		t.minimizeConstraint(rho, consensus)
	case KindLinearLoss:
		t.minimizeLinear(t.weight(env), rho, consensus)
	case KindHingeLoss:
		t.minimizeHinge(t.weight(env), rho, consensus)
	case KindSquaredLinearLoss:
		return t.minimizeWeightedSquaredHyperplane(env, stepSize, consensus)
	case KindSquaredHingeLoss:
		if t.unconstrained(rho, consensus) <= float64(t.constant) {
			return nil
		}
		return t.minimizeWeightedSquaredHyperplane(env, stepSize, consensus)
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidTerm, t.kind)
	}

	return nil
}

// unconstrained sets x = z - y/rho and returns c.x.
func (t *Term) unconstrained(rho float64, consensus []float32) float64 {
	var total float64
	for i := range t.variables {
		v := &t.variables[i]
		x := float64(consensus[v.GlobalID]) - float64(v.Lagrange)/rho
		v.Value = float32(x)
		total += float64(t.coefficients[i]) * x
	}
	return total
}

// shifted sets x = z - y/rho - w*c/rho and returns c.x.
func (t *Term) shifted(w, rho float64, consensus []float32) float64 {
	var total float64
	for i := range t.variables {
		v := &t.variables[i]
		c := float64(t.coefficients[i])
		x := float64(consensus[v.GlobalID]) - float64(v.Lagrange)/rho - w*c/rho
		v.Value = float32(x)
		total += c * x
	}
	return total
}

func (t *Term) minimizeLinear(w, rho float64, consensus []float32) {
	t.shifted(w, rho, consensus)
}

func (t *Term) minimizeHinge(w, rho float64, consensus []float32) {
	k := float64(t.constant)

	// Flat side of the hinge.
	if t.unconstrained(rho, consensus) <= k {
		return
	}

	// Sloped side.
	if t.shifted(w, rho, consensus) >= k {
		return
	}

	t.project(rho, consensus)
}

func (t *Term) minimizeConstraint(rho float64, consensus []float32) {
	if t.comparator != EQ {
		h := t.unconstrained(rho, consensus) - float64(t.constant)
		if t.satisfied(h, 0) {
			return
		}
	}

	t.project(rho, consensus)
}

// project moves the point z - y/rho onto the hyperplane c.x = constant.
func (t *Term) project(rho float64, consensus []float32) {
	c := t.coefficients
	k := float64(t.constant)
	vars := t.variables

	switch len(vars) {
	case 1:
		vars[0].Value = float32(k / float64(c[0]))
	case 2:
		c0, c1 := float64(c[0]), float64(c[1])
		z0, y0 := float64(consensus[vars[0].GlobalID]), float64(vars[0].Lagrange)
		z1, y1 := float64(consensus[vars[1].GlobalID]), float64(vars[1].Lagrange)

		x0 := rho*z0 - y0
		x0 -= rho * c0 / c1 * (-k/c1 + z1 - y1/rho)
		x0 /= rho * (1 + c0*c0/(c1*c1))

		vars[0].Value = float32(x0)
		vars[1].Value = float32((k - c0*x0) / c1)
	default:
		point := t.scratchSpace(len(vars))

		var norm float64
		for i := range vars {
			point[i] = float64(consensus[vars[i].GlobalID]) - float64(vars[i].Lagrange)/rho
			norm += float64(c[i]) * float64(c[i])
		}
		norm = math.Sqrt(norm)

		multiplier := -k / norm
		for i := range vars {
			multiplier += point[i] * float64(c[i]) / norm
		}

		for i := range vars {
			vars[i].Value = float32(point[i] - multiplier*float64(c[i])/norm)
		}
	}
}

// minimizeWeightedSquaredHyperplane solves
//
//	argmin w * (c.x - k)^2 + rho/2 * ||x - z + y/rho||^2
//
// in closed form for one and two variables and through a cached Cholesky factorization of
// 2w*cc' + rho*I otherwise.
func (t *Term) minimizeWeightedSquaredHyperplane(env *Env, stepSize float32, consensus []float32) error {
	rho := float64(stepSize)
	w := t.weight(env)
	k := float64(t.constant)
	c := t.coefficients
	vars := t.variables

	rhs := func(i int) float64 {
		return rho*float64(consensus[vars[i].GlobalID]) - float64(vars[i].Lagrange) + 2*w*float64(c[i])*k
	}

	switch len(vars) {
	case 1:
		c0 := float64(c[0])
		vars[0].Value = float32(rhs(0) / (2*w*c0*c0 + rho))
		return nil
	case 2:
		c0, c1 := float64(c[0]), float64(c[1])
		a0 := 2*w*c0*c0 + rho
		b1 := 2*w*c1*c1 + rho
		a1b0 := 2 * w * c0 * c1
		r0, r1 := rhs(0), rhs(1)

		x1 := (r1 - a1b0*r0/a0) / (b1 - a1b0*a1b0/a0)
		x0 := (r0 - a1b0*x1) / a0

		vars[0].Value = float32(x0)
		vars[1].Value = float32(x1)
		return nil
	}

	weight := float32(w)
	if t.factor == nil || !t.factor.matches(weight, stepSize) {
		factor, err := env.Factors.Get(weight, stepSize, c)
		if err != nil {
			return err
		}
		t.factor = factor
	}

	n := len(vars)
	lower := t.factor.lower
	x := t.scratchSpace(n)

	// Forward substitution: L v = rhs.
	for i := 0; i < n; i++ {
		v := rhs(i)
		for j := 0; j < i; j++ {
			v -= lower[i*n+j] * x[j]
		}
		x[i] = v / lower[i*n+i]
	}

	// Back substitution: L' x = v.
	for i := n - 1; i >= 0; i-- {
		v := x[i]
		for j := i + 1; j < n; j++ {
			v -= lower[j*n+i] * x[j]
		}
		x[i] = v / lower[i*n+i]
	}

	for i := range vars {
		vars[i].Value = float32(x[i])
	}

	return nil
}

func (t *Term) scratchSpace(n int) []float64 {
	if cap(t.scratch) < n {
		t.scratch = make([]float64, n)
	}
	return t.scratch[:n]
}
