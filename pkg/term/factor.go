package term

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"
)

// ErrNotPositiveDefinite is returned when the system matrix of a squared term cannot be
// factorized. It only happens for non-positive step sizes or negative weights.
var ErrNotPositiveDefinite = errors.New("matrix is not positive definite")

// Factor is the lower Cholesky factor of 2w*cc' + stepSize*I for one coefficient vector.
type Factor struct {
	weight       float32
	stepSize     float32
	coefficients []float32

	// lower is stored row-major, n x n.
	lower []float64
}

func (f *Factor) matches(weight, stepSize float32) bool {
	return f.weight == weight && f.stepSize == stepSize
}

func (f *Factor) equalKey(weight, stepSize float32, coefficients []float32) bool {
	return f.matches(weight, stepSize) && slices.Equal(f.coefficients, coefficients)
}

// At returns element (i, j) of the lower factor.
func (f *Factor) At(i, j int) float64 {
	return f.lower[i*len(f.coefficients)+j]
}

// FactorCache memoizes Cholesky factors shared by every term with the same weight, step size
// and coefficients. It is safe for concurrent use.
type FactorCache struct {
	mu      sync.RWMutex
	entries map[uint64][]*Factor
	size    int
}

func NewFactorCache() *FactorCache {
	return &FactorCache{
		entries: make(map[uint64][]*Factor),
	}
}

// Get returns the factor for the given key, computing and caching it on first use.
func (c *FactorCache) Get(weight, stepSize float32, coefficients []float32) (*Factor, error) {
	key := factorHash(weight, stepSize, coefficients)

	c.mu.RLock()
	factor := c.lookup(key, weight, stepSize, coefficients)
	c.mu.RUnlock()
	if factor != nil {
		return factor, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if factor := c.lookup(key, weight, stepSize, coefficients); factor != nil {
		return factor, nil
	}

	factor, err := factorize(weight, stepSize, coefficients)
	if err != nil {
		return nil, err
	}

	c.entries[key] = append(c.entries[key], factor)
	c.size++

	return factor, nil
}

// Len returns the number of cached factors.
func (c *FactorCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Clear drops every cached factor.
func (c *FactorCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.size = 0
}

func (c *FactorCache) lookup(key uint64, weight, stepSize float32, coefficients []float32) *Factor {
	for _, f := range c.entries[key] {
		if f.equalKey(weight, stepSize, coefficients) {
			return f
		}
	}
	return nil
}

func factorHash(weight, stepSize float32, coefficients []float32) uint64 {
	d := xxhash.New()
	var buf [4]byte

	write := func(v float32) {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		_, _ = d.Write(buf[:])
	}

	write(weight)
	write(stepSize)
	for _, coefficient := range coefficients {
		write(coefficient)
	}

	return d.Sum64()
}

func factorize(weight, stepSize float32, coefficients []float32) (*Factor, error) {
	n := len(coefficients)
	w := float64(weight)

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		ci := float64(coefficients[i])
		for j := i; j < n; j++ {
			v := 2 * w * ci * float64(coefficients[j])
			if i == j {
				v += float64(stepSize)
			}
			sym.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, fmt.Errorf("%w: weight %v, step size %v", ErrNotPositiveDefinite, weight, stepSize)
	}

	var l mat.TriDense
	chol.LTo(&l)

	lower := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			lower[i*n+j] = l.At(i, j)
		}
	}

	return &Factor{
		weight:       weight,
		stepSize:     stepSize,
		coefficients: slices.Clone(coefficients),
		lower:        lower,
	}, nil
}
