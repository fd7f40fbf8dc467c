package termstore

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hlmrf/hlmrf/pkg/telemetry"
	"github.com/hlmrf/hlmrf/pkg/term"
)

const headerWord = 4

// writePage persists terms as page number p.
//
// Fixed page: [int32 payload bytes][int32 term count] then per term [int32 kind][fixed payload].
// Volatile page: [int32 payload bytes] then the volatile payload of every term in order.
func (s *Store) writePage(ctx context.Context, p int, terms []*term.Term) error {
	ctx, span := tracer.Start(ctx, "termstore.writePage", trace.WithAttributes(
		attribute.Int("page", p),
		attribute.Int("terms", len(terms)),
	))
	defer span.End()

	fixed := append(s.fixedBuf[:0], make([]byte, 2*headerWord)...)
	for _, t := range terms {
		fixed = binary.BigEndian.AppendUint32(fixed, uint32(t.Kind()))
		fixed = t.AppendFixed(fixed)
	}
	binary.BigEndian.PutUint32(fixed, uint32(len(fixed)-2*headerWord))
	binary.BigEndian.PutUint32(fixed[headerWord:], uint32(len(terms)))
	s.fixedBuf = fixed

	if err := s.pages.WriteFixed(ctx, p, fixed); err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	volatile := append(s.volatileBuf[:0], make([]byte, headerWord)...)
	for _, t := range terms {
		volatile = t.AppendVolatile(volatile)
	}
	binary.BigEndian.PutUint32(volatile, uint32(len(volatile)-headerWord))
	s.volatileBuf = volatile

	if err := s.pages.WriteVolatile(ctx, p, volatile); err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	return nil
}

// loadPage rehydrates page p into s.page using pooled instances, shuffling it when enabled.
func (s *Store) loadPage(ctx context.Context, p int) error {
	ctx, span := tracer.Start(ctx, "termstore.loadPage", trace.WithAttributes(attribute.Int("page", p)))
	defer span.End()

	s.pool.ResetForReuse()
	s.page = s.page[:0]

	fixed, err := s.pages.ReadFixed(ctx, p, s.fixedBuf)
	if err != nil {
		telemetry.TraceError(span, err)
		return err
	}
	s.fixedBuf = fixed

	volatile, err := s.pages.ReadVolatile(ctx, p, s.volatileBuf)
	if err != nil {
		telemetry.TraceError(span, err)
		return err
	}
	s.volatileBuf = volatile

	if len(fixed) < 2*headerWord || len(volatile) < headerWord {
		return fmt.Errorf("%w: page %d is missing its header", term.ErrMalformed, p)
	}

	fixedLen := int(binary.BigEndian.Uint32(fixed))
	count := int(binary.BigEndian.Uint32(fixed[headerWord:]))
	volatileLen := int(binary.BigEndian.Uint32(volatile))
	if fixedLen != len(fixed)-2*headerWord || volatileLen != len(volatile)-headerWord {
		return fmt.Errorf("%w: page %d header does not match its length", term.ErrMalformed, p)
	}

	fixed = fixed[2*headerWord:]
	volatile = volatile[headerWord:]
	for i := 0; i < count; i++ {
		if len(fixed) < headerWord {
			return fmt.Errorf("%w: page %d ends before term %d", term.ErrMalformed, p, i)
		}

		kind := term.Kind(binary.BigEndian.Uint32(fixed))
		if !kind.Valid() {
			return fmt.Errorf("%w: page %d term %d has kind tag %d", term.ErrMalformed, p, i, kind)
		}
		fixed = fixed[headerWord:]

		t, err := s.pool.Get(kind)
		if err != nil {
			return err
		}

		n, err := t.DecodeFixed(fixed)
		if err != nil {
			return fmt.Errorf("page %d term %d: %w", p, i, err)
		}
		fixed = fixed[n:]

		n, err = t.DecodeVolatile(volatile)
		if err != nil {
			return fmt.Errorf("page %d term %d: %w", p, i, err)
		}
		volatile = volatile[n:]

		s.page = append(s.page, t)
	}

	s.order = s.order[:0]
	if s.shufflePage {
		for i := range s.page {
			s.order = append(s.order, i)
		}
		s.rng.Shuffle(len(s.page), func(i, j int) {
			s.page[i], s.page[j] = s.page[j], s.page[i]
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}

	pagesLoadedCounter.Inc()
	return nil
}

// writeVolatile persists the local values of the resident page in the order the page was
// written, undoing any shuffle. Terms may differ in size, so every term's offset is computed
// from the sizes of the terms that precede it in the original order.
func (s *Store) writeVolatile(ctx context.Context, p int) error {
	ctx, span := tracer.Start(ctx, "termstore.writeVolatile", trace.WithAttributes(attribute.Int("page", p)))
	defer span.End()

	shuffled := len(s.order) == len(s.page) && len(s.order) > 0

	if cap(s.offsets) < len(s.page) {
		s.offsets = make([]int, len(s.page))
	}
	offsets := s.offsets[:len(s.page)]

	for i, t := range s.page {
		original := i
		if shuffled {
			original = s.order[i]
		}
		offsets[original] = t.VolatileSize()
	}

	total := 0
	for i, size := range offsets {
		offsets[i] = total
		total += size
	}

	buf := s.volatileBuf
	if cap(buf) < headerWord+total {
		buf = make([]byte, headerWord+total)
	}
	buf = buf[:headerWord+total]
	binary.BigEndian.PutUint32(buf, uint32(total))

	for i, t := range s.page {
		original := i
		if shuffled {
			original = s.order[i]
		}
		t.PutVolatile(buf[headerWord+offsets[original]:])
	}
	s.volatileBuf = buf

	if err := s.pages.WriteVolatile(ctx, p, buf); err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	return nil
}
