package term

import (
	"encoding/binary"
	"fmt"
	"math"
)

const wordSize = 4

// FixedSize is the length in bytes of the term's fixed payload:
// size, rule index, global ids, coefficients, constant and, for constraints, the comparator.
func (t *Term) FixedSize() int {
	return FixedSizeOf(t.kind, len(t.variables))
}

// FixedSizeOf is FixedSize for a term of the given kind and number of variables.
func FixedSizeOf(kind Kind, size int) int {
	words := 2 + 2*size + 1
	if kind.IsConstraint() {
		words++
	}
	return words * wordSize
}

// VolatileSize is the length in bytes of the term's volatile payload: a value and a Lagrange
// multiplier per variable.
func (t *Term) VolatileSize() int {
	return 2 * wordSize * len(t.variables)
}

// AppendFixed appends the big-endian fixed payload to buf.
func (t *Term) AppendFixed(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.variables)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.ruleIndex))

	for _, v := range t.variables {
		buf = binary.BigEndian.AppendUint32(buf, uint32(v.GlobalID))
	}

	for _, c := range t.coefficients {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(c))
	}

	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(t.constant))

	if t.kind.IsConstraint() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(t.comparator))
	}

	return buf
}

// AppendVolatile appends the big-endian volatile payload to buf.
func (t *Term) AppendVolatile(buf []byte) []byte {
	for _, v := range t.variables {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v.Value))
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(v.Lagrange))
	}
	return buf
}

// PutVolatile writes the volatile payload into buf, which must be at least VolatileSize long.
func (t *Term) PutVolatile(buf []byte) {
	for i, v := range t.variables {
		binary.BigEndian.PutUint32(buf[8*i:], math.Float32bits(v.Value))
		binary.BigEndian.PutUint32(buf[8*i+4:], math.Float32bits(v.Lagrange))
	}
}

// DecodeFixed overwrites the term's structure from a fixed payload and returns the number
// of bytes consumed. Local values and multipliers are reset; DecodeVolatile restores them.
// The term's kind is kept, so callers pick the instance by the kind tag stored beside the
// payload.
func (t *Term) DecodeFixed(buf []byte) (int, error) {
	if len(buf) < 2*wordSize {
		return 0, fmt.Errorf("%w: fixed header needs %d bytes, have %d", ErrMalformed, 2*wordSize, len(buf))
	}

	size := int(int32(binary.BigEndian.Uint32(buf)))
	if size <= 0 {
		return 0, fmt.Errorf("%w: term size %d", ErrMalformed, size)
	}

	need := FixedSizeOf(t.kind, size)
	if len(buf) < need {
		return 0, fmt.Errorf("%w: %s payload of size %d needs %d bytes, have %d", ErrMalformed, t.kind, size, need, len(buf))
	}

	t.ruleIndex = int32(binary.BigEndian.Uint32(buf[wordSize:]))
	t.variables = resize(t.variables, size)
	t.coefficients = resize(t.coefficients, size)
	t.factor = nil

	off := 2 * wordSize
	for i := 0; i < size; i++ {
		t.variables[i] = LocalVariable{GlobalID: int32(binary.BigEndian.Uint32(buf[off:]))}
		off += wordSize
	}

	for i := 0; i < size; i++ {
		t.coefficients[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[off:]))
		off += wordSize
	}

	t.constant = math.Float32frombits(binary.BigEndian.Uint32(buf[off:]))
	off += wordSize

	t.comparator = LTE
	if t.kind.IsConstraint() {
		t.comparator = Comparator(binary.BigEndian.Uint32(buf[off:]))
		off += wordSize
		if !t.comparator.Valid() {
			return 0, fmt.Errorf("%w: comparator %d", ErrMalformed, t.comparator)
		}
	}

	return off, nil
}

// DecodeVolatile restores local values and multipliers and returns the bytes consumed.
func (t *Term) DecodeVolatile(buf []byte) (int, error) {
	need := t.VolatileSize()
	if len(buf) < need {
		return 0, fmt.Errorf("%w: volatile payload needs %d bytes, have %d", ErrMalformed, need, len(buf))
	}

	for i := range t.variables {
		t.variables[i].Value = math.Float32frombits(binary.BigEndian.Uint32(buf[8*i:]))
		t.variables[i].Lagrange = math.Float32frombits(binary.BigEndian.Uint32(buf[8*i+4:]))
	}

	return need, nil
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}
