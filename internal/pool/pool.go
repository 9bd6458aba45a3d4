package pool

import (
	"context"
	"database/sql"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	// database/sql drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/sentinelops/perfcore/internal/metrics"
	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"

	tracerName = "github.com/sentinelops/perfcore/internal/pool"
)

// Registerer accepts extra collectors. *metrics.Registry satisfies it.
type Registerer interface {
	Register(c prometheus.Collector) error
}

// Config contains configuration for the connection pool
type Config struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// Bound on the startup ping. Default 5s.
	PingTimeout time.Duration `yaml:"ping_timeout"`

	Metrics *metrics.PoolMetrics `yaml:"-"`
	Logger  *logging.Logger      `yaml:"-"`
	// When set, database/sql pool statistics are exported through it.
	Registry Registerer  `yaml:"-"`
	Tracer   trace.Tracer `yaml:"-"`
}

// Stats is a snapshot of the underlying handle.
type Stats struct {
	Driver       string        `json:"driver"`
	MaxOpen      int           `json:"max_open"`
	Open         int           `json:"open"`
	InUse        int           `json:"in_use"`
	Idle         int           `json:"idle"`
	WaitCount    int64         `json:"wait_count"`
	WaitDuration time.Duration `json:"wait_duration"`
}

// ConnectionPool wraps a *sql.DB shared by the process.
type ConnectionPool struct {
	db     *sql.DB
	conf   Config
	log    *logging.Logger
	tracer trace.Tracer
}

// New opens a pool with the configured driver and verifies it with a ping
// bounded by PingTimeout. On failure the handle is closed and a
// CONNECTION_FAILED error is returned.
func New(ctx context.Context, conf Config) (*ConnectionPool, error) {
	switch conf.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unsupported database driver").
			WithComponent("pool").
			WithDetail("driver", conf.Driver)
	}
	if conf.DSN == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "database dsn is required").
			WithComponent("pool")
	}

	db, err := sql.Open(conf.Driver, conf.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to open database").
			WithComponent("pool").
			WithOperation("open")
	}
	return NewFromDB(ctx, db, conf)
}

// NewFromDB adopts an already opened handle, applies the pool settings and
// pings it. The handle is closed if the ping fails.
func NewFromDB(ctx context.Context, db *sql.DB, conf Config) (*ConnectionPool, error) {
	setter.SetDefault(&conf.PingTimeout, 5*time.Second)
	if conf.Metrics == nil {
		conf.Metrics = metrics.New("").Pool
	}
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}
	if conf.Tracer == nil {
		conf.Tracer = otel.Tracer(tracerName)
	}

	if conf.MaxOpenConns > 0 {
		db.SetMaxOpenConns(conf.MaxOpenConns)
	}
	if conf.MaxIdleConns > 0 {
		db.SetMaxIdleConns(conf.MaxIdleConns)
	}
	if conf.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(conf.ConnMaxLifetime)
	}
	if conf.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(conf.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, conf.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeConnectionFailed, "database ping failed").
			WithComponent("pool").
			WithOperation("ping").
			WithDetail("driver", conf.Driver)
	}

	p := &ConnectionPool{
		db:     db,
		conf:   conf,
		log:    conf.Logger.WithComponent("pool"),
		tracer: conf.Tracer,
	}

	if conf.Registry != nil {
		if err := conf.Registry.Register(collectors.NewDBStatsCollector(db, conf.Driver)); err != nil {
			p.log.Warn("Failed to register database stats collector", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	p.log.Info("Database pool ready", map[string]interface{}{
		"driver":         conf.Driver,
		"max_open_conns": conf.MaxOpenConns,
		"max_idle_conns": conf.MaxIdleConns,
	})
	return p, nil
}

// DB returns the shared handle.
func (p *ConnectionPool) DB() *sql.DB {
	return p.db
}

// Driver returns the driver name the pool was opened with.
func (p *ConnectionPool) Driver() string {
	return p.conf.Driver
}

// ExecContext runs query and records its latency under queryType.
func (p *ConnectionPool) ExecContext(ctx context.Context, queryType, query string, args ...interface{}) (sql.Result, error) {
	ctx, done := p.observe(ctx, queryType)
	res, err := p.db.ExecContext(ctx, query, args...)
	done(err)
	return res, err
}

// QueryContext runs query and records its latency under queryType. The
// recorded time covers statement execution, not row iteration.
func (p *ConnectionPool) QueryContext(ctx context.Context, queryType, query string, args ...interface{}) (*sql.Rows, error) {
	ctx, done := p.observe(ctx, queryType)
	rows, err := p.db.QueryContext(ctx, query, args...)
	done(err)
	return rows, err
}

// QueryRowContext runs query and records its latency under queryType. Errors
// surface on Scan and are not counted.
func (p *ConnectionPool) QueryRowContext(ctx context.Context, queryType, query string, args ...interface{}) *sql.Row {
	ctx, done := p.observe(ctx, queryType)
	row := p.db.QueryRowContext(ctx, query, args...)
	done(row.Err())
	return row
}

// BeginTx starts a transaction on the shared handle.
func (p *ConnectionPool) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to begin transaction").
			WithComponent("pool").
			WithOperation("begin")
	}
	return tx, nil
}

// Observe times an operation the caller runs itself, such as a transaction,
// under queryType. Call the returned func with the operation's error.
func (p *ConnectionPool) Observe(ctx context.Context, queryType string) (context.Context, func(error)) {
	return p.observe(ctx, queryType)
}

// Stats returns current pool statistics
func (p *ConnectionPool) Stats() Stats {
	s := p.db.Stats()
	return Stats{
		Driver:       p.conf.Driver,
		MaxOpen:      s.MaxOpenConnections,
		Open:         s.OpenConnections,
		InUse:        s.InUse,
		Idle:         s.Idle,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration,
	}
}

// Close closes the handle. Queries in progress are allowed to finish.
func (p *ConnectionPool) Close() error {
	p.log.Info("Closing database pool")
	return p.db.Close()
}

func (p *ConnectionPool) observe(ctx context.Context, queryType string) (context.Context, func(error)) {
	ctx, span := p.tracer.Start(ctx, "db."+queryType,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", p.conf.Driver),
			attribute.String("db.query_type", queryType),
		))
	start := clock.Now()

	return ctx, func(err error) {
		p.conf.Metrics.QueryDuration.WithLabelValues(queryType).Observe(clock.Since(start).Seconds())
		if err != nil && err != sql.ErrNoRows {
			p.conf.Metrics.QueryErrors.WithLabelValues(queryType).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
