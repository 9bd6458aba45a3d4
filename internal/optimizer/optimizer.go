// Package optimizer keeps the ingest tables indexed and their planner
// statistics current.
package optimizer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sentinelops/perfcore/internal/pool"
	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

// Index describes one secondary index.
type Index struct {
	Name    string
	Table   string
	Columns []string
}

// Indexes is the fixed set created by CreateIndexes.
var Indexes = []Index{
	{Name: "idx_security_events_source_received", Table: "security_events", Columns: []string{"source", "received_at"}},
	{Name: "idx_security_events_severity", Table: "security_events", Columns: []string{"severity"}},
	{Name: "idx_security_events_kind_received", Table: "security_events", Columns: []string{"kind", "received_at"}},
}

// AnalyzeTables are analyzed after the indexes are in place.
var AnalyzeTables = []string{"security_events"}

// Execer runs statements. *pool.ConnectionPool satisfies it.
type Execer interface {
	ExecContext(ctx context.Context, queryType, query string, args ...interface{}) (sql.Result, error)
	Driver() string
}

// QueryOptimizer issues index creation and ANALYZE statements.
type QueryOptimizer struct {
	db  Execer
	log *logging.Logger
}

// New creates a QueryOptimizer. A nil logger uses the default.
func New(db Execer, log *logging.Logger) *QueryOptimizer {
	if log == nil {
		log = logging.Default()
	}
	return &QueryOptimizer{db: db, log: log.WithComponent("optimizer")}
}

// CreateIndexes creates every index in Indexes and then analyzes
// AnalyzeTables. Individual statement failures are logged and skipped; the
// only error returned is the context's.
func (o *QueryOptimizer) CreateIndexes(ctx context.Context) error {
	var created, failed int

	for _, idx := range Indexes {
		if err := ctx.Err(); err != nil {
			return canceled(err)
		}
		if _, err := o.db.ExecContext(ctx, "create_index", o.createStatement(idx)); err != nil {
			if ctx.Err() != nil {
				return canceled(ctx.Err())
			}
			failed++
			o.log.Warn("Index creation failed, continuing", map[string]interface{}{
				"index": idx.Name,
				"table": idx.Table,
				"error": err.Error(),
			})
			continue
		}
		created++
	}

	for _, table := range AnalyzeTables {
		if err := ctx.Err(); err != nil {
			return canceled(err)
		}
		if _, err := o.db.ExecContext(ctx, "analyze", "ANALYZE "+table); err != nil {
			if ctx.Err() != nil {
				return canceled(ctx.Err())
			}
			o.log.Warn("ANALYZE failed, continuing", map[string]interface{}{
				"table": table,
				"error": err.Error(),
			})
		}
	}

	o.log.Info("Index maintenance finished", map[string]interface{}{
		"created": created,
		"failed":  failed,
	})
	return nil
}

// createStatement builds an idempotent CREATE INDEX. On Postgres the index is
// built CONCURRENTLY so writers are not blocked.
func (o *QueryOptimizer) createStatement(idx Index) string {
	concurrently := ""
	if o.db.Driver() == pool.DriverPostgres {
		concurrently = "CONCURRENTLY "
	}
	return fmt.Sprintf("CREATE INDEX %sIF NOT EXISTS %s ON %s (%s)",
		concurrently, idx.Name, idx.Table, strings.Join(idx.Columns, ", "))
}

func canceled(err error) error {
	return errors.Wrap(err, errors.ErrCodeOperationCanceled, "index maintenance canceled").
		WithComponent("optimizer").
		WithOperation("create_indexes")
}
