// Package stats computes table statistics for the query rewriter from SQL databases.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hlmrf/hlmrf/pkg/logger"
	"github.com/hlmrf/hlmrf/pkg/queryrewriter"
	"github.com/hlmrf/hlmrf/pkg/telemetry"
)

var tracer = otel.Tracer("internal/stats")

var (
	ErrInvalidIdentifier  = errors.New("invalid sql identifier")
	ErrUnknownPredicate   = errors.New("predicate has no registered table")
	ErrDuplicatePredicate = errors.New("predicate already registered")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TableInfo maps a predicate to the table holding its ground atoms. Columns are
// listed in argument order.
type TableInfo struct {
	Predicate string
	Table     string
	Columns   []string
}

func (i TableInfo) validate() error {
	if i.Predicate == "" {
		return fmt.Errorf("%w: empty predicate name", ErrInvalidIdentifier)
	}
	for _, ident := range append([]string{i.Table}, i.Columns...) {
		if !identifierPattern.MatchString(ident) {
			return fmt.Errorf("%w: %q for predicate %s", ErrInvalidIdentifier, ident, i.Predicate)
		}
	}
	return nil
}

type SQLProviderOption func(*SQLProvider)

// WithHistograms controls whether per-column histograms are computed alongside cardinalities.
func WithHistograms(enabled bool) SQLProviderOption {
	return func(p *SQLProvider) {
		p.histograms = enabled
	}
}

// WithBusyRetryTimeout bounds how long a query is retried while the database is locked.
func WithBusyRetryTimeout(d time.Duration) SQLProviderOption {
	return func(p *SQLProvider) {
		p.busyRetryTimeout = d
	}
}

func WithLogger(l logger.Logger) SQLProviderOption {
	return func(p *SQLProvider) {
		p.logger = l
	}
}

// SQLProvider reads statistics straight from the tables registered with it.
type SQLProvider struct {
	stbl             sq.StatementBuilderType
	histograms       bool
	busyRetryTimeout time.Duration
	logger           logger.Logger

	mu     sync.RWMutex
	tables map[string]TableInfo
}

var _ queryrewriter.StatsProvider = (*SQLProvider)(nil)

func NewSQLProvider(db *sql.DB, opts ...SQLProviderOption) *SQLProvider {
	p := &SQLProvider{
		stbl:             sq.StatementBuilder.RunWith(db),
		histograms:       true,
		busyRetryTimeout: 5 * time.Second,
		logger:           logger.NewNoopLogger(),
		tables:           make(map[string]TableInfo),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Register makes the statistics of info.Table available under info.Predicate.
func (p *SQLProvider) Register(info TableInfo) error {
	if err := info.validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tables[info.Predicate]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePredicate, info.Predicate)
	}
	p.tables[info.Predicate] = info
	return nil
}

// TableStats implements queryrewriter.StatsProvider.
func (p *SQLProvider) TableStats(ctx context.Context, predicate string) (*queryrewriter.TableStats, error) {
	p.mu.RLock()
	info, ok := p.tables[predicate]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPredicate, predicate)
	}

	ctx, span := tracer.Start(ctx, "stats.TableStats", trace.WithAttributes(
		attribute.String("predicate", predicate),
		attribute.String("table", info.Table),
	))
	defer span.End()

	stats, err := p.tableStats(ctx, info)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, fmt.Errorf("table %s: %w", info.Table, err)
	}

	p.logger.Debug("computed table statistics",
		zap.String("predicate", predicate),
		zap.String("table", info.Table),
		zap.Int64("count", stats.Count),
		zap.Int64s("cardinalities", stats.Cardinalities))

	return stats, nil
}

func (p *SQLProvider) tableStats(ctx context.Context, info TableInfo) (*queryrewriter.TableStats, error) {
	stats := &queryrewriter.TableStats{
		Cardinalities: make([]int64, len(info.Columns)),
	}

	err := p.retry(ctx, func() error {
		return p.stbl.
			Select("COUNT(*)").
			From(info.Table).
			QueryRowContext(ctx).
			Scan(&stats.Count)
	})
	if err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}

	for i, column := range info.Columns {
		err := p.retry(ctx, func() error {
			return p.stbl.
				Select(fmt.Sprintf("COUNT(DISTINCT %s)", column)).
				From(info.Table).
				QueryRowContext(ctx).
				Scan(&stats.Cardinalities[i])
		})
		if err != nil {
			return nil, fmt.Errorf("count distinct %s: %w", column, err)
		}
	}

	if !p.histograms {
		return stats, nil
	}

	stats.Histograms = make([]queryrewriter.Histogram, len(info.Columns))
	for i, column := range info.Columns {
		var histogram queryrewriter.DiscreteHistogram
		err := p.retry(ctx, func() error {
			var err error
			histogram, err = p.histogram(ctx, info.Table, column)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("histogram %s: %w", column, err)
		}
		stats.Histograms[i] = histogram
	}

	return stats, nil
}

// histogram counts rows per non-null value of column.
func (p *SQLProvider) histogram(ctx context.Context, table, column string) (queryrewriter.DiscreteHistogram, error) {
	rows, err := p.stbl.
		Select(column, "COUNT(*)").
		From(table).
		Where(sq.NotEq{column: nil}).
		GroupBy(column).
		QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	histogram := make(queryrewriter.DiscreteHistogram)
	for rows.Next() {
		var value string
		var count int64
		if err := rows.Scan(&value, &count); err != nil {
			return nil, err
		}
		histogram[value] = float64(count)
	}

	return histogram, rows.Err()
}

// retry runs op until it succeeds, fails with an error other than a lock conflict,
// or the busy retry timeout elapses.
func (p *SQLProvider) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = p.busyRetryTimeout

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}
