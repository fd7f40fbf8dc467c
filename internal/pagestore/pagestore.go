// Package pagestore persists term pages. Every page is a pair of blobs: the fixed part, written
// once, and the volatile part, rewritten after every pass over the page.
package pagestore

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hlmrf/hlmrf/internal/build"
)

// ErrPageIO wraps every storage failure. Page failures are fatal for the run.
var ErrPageIO = errors.New("page io failure")

// ErrPageNotFound is returned, wrapped in ErrPageIO, when reading a page that was never written.
var ErrPageNotFound = errors.New("page not found")

var (
	pageOpsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "page_operations_total",
		Help:      "The total number of term page reads and writes.",
	}, []string{"backend", "part", "op"})

	pageBytesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "page_bytes_total",
		Help:      "The total number of term page bytes read and written.",
	}, []string{"backend", "part", "op"})
)

const (
	partFixed    = "fixed"
	partVolatile = "volatile"
)

// PageStore stores the fixed and volatile blobs of numbered pages.
type PageStore interface {
	WriteFixed(ctx context.Context, page int, data []byte) error
	WriteVolatile(ctx context.Context, page int, data []byte) error

	// ReadFixed and ReadVolatile return the blob, reusing buf when it is large enough.
	ReadFixed(ctx context.Context, page int, buf []byte) ([]byte, error)
	ReadVolatile(ctx context.Context, page int, buf []byte) ([]byte, error)

	// Clear deletes every page.
	Clear() error
	Close() error
}

func observe(backend, part, op string, n int) {
	pageOpsCounter.WithLabelValues(backend, part, op).Inc()
	pageBytesCounter.WithLabelValues(backend, part, op).Add(float64(n))
}

func grow(buf []byte, n int) []byte {
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}
