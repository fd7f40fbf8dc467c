package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hlmrf/hlmrf/internal/build"
)

// PrepareDSN adds read-friendly defaults for journal mode and busy timeout to a SQLite DSN.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	return uri + "?" + query.Encode(), nil
}

type OpenOption func(*openConfig)

type openConfig struct {
	connectTimeout time.Duration
	exportMetrics  bool
}

// WithConnectTimeout bounds how long Open keeps retrying the first ping.
func WithConnectTimeout(d time.Duration) OpenOption {
	return func(c *openConfig) {
		c.connectTimeout = d
	}
}

// WithExportMetrics registers a prometheus collector for the connection pool.
func WithExportMetrics(enabled bool) OpenOption {
	return func(c *openConfig) {
		c.exportMetrics = enabled
	}
}

// DB is a SQLite statistics database.
type DB struct {
	*sql.DB
	collector prometheus.Collector
}

// Open connects to the SQLite database at uri and waits until it answers a ping.
func Open(ctx context.Context, uri string, opts ...OpenOption) (*DB, error) {
	cfg := &openConfig{connectTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.connectTimeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	var collector prometheus.Collector
	if cfg.exportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return &DB{DB: db, collector: collector}, nil
}

func (d *DB) Close() error {
	if d.collector != nil {
		prometheus.Unregister(d.collector)
	}
	return d.DB.Close()
}

// isBusy reports whether err is a transient lock conflict worth retrying.
func isBusy(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}
