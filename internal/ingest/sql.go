package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sentinelops/perfcore/internal/events"
	"github.com/sentinelops/perfcore/internal/pool"
	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

const schema = `CREATE TABLE IF NOT EXISTS security_events (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	payload     TEXT,
	received_at BIGINT NOT NULL
)`

// SQLStore writes events to the security_events table.
type SQLStore struct {
	pool   *pool.ConnectionPool
	log    *logging.Logger
	insert string
	get    string
}

// NewSQLStore creates a store on p. A nil logger uses the default.
func NewSQLStore(p *pool.ConnectionPool, log *logging.Logger) *SQLStore {
	if log == nil {
		log = logging.Default()
	}
	return &SQLStore{
		pool:   p,
		log:    log.WithComponent("ingest.sql"),
		insert: insertStatement(p.Driver()),
		get:    getStatement(p.Driver()),
	}
}

// EnsureSchema creates the events table when it does not exist. Production
// databases are migrated out of band; this is for development and tests.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.ExecContext(ctx, "schema", schema); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create security_events").
			WithComponent("ingest").
			WithOperation("ensure_schema")
	}
	return nil
}

// WriteBatch inserts the events of one batch in a single transaction. Events
// whose id already exists are ignored so a replayed batch is harmless.
func (s *SQLStore) WriteBatch(ctx context.Context, items []interface{}) (err error) {
	evs, skipped := toEvents(items)
	if skipped > 0 {
		s.log.Warn("Skipping non-event batch items", map[string]interface{}{"skipped": skipped})
	}
	if len(evs) == 0 {
		return nil
	}

	ctx, done := s.pool.Observe(ctx, "event_batch_insert")
	defer func() { done(err) }()

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.insert)
	if err != nil {
		return writeErr(err, "prepare")
	}
	defer stmt.Close()

	for _, ev := range evs {
		var payload interface{}
		if len(ev.Payload) > 0 {
			payload = string(ev.Payload)
		}
		if _, err = stmt.ExecContext(ctx, ev.ID, ev.Source, ev.Kind, string(ev.Severity),
			payload, ev.ReceivedAt.UnixNano()); err != nil {
			return writeErr(err, "insert").WithDetail("event_id", ev.ID)
		}
	}

	if err = tx.Commit(); err != nil {
		return writeErr(err, "commit")
	}
	return nil
}

// Get loads one event by id.
func (s *SQLStore) Get(ctx context.Context, id string) (events.Event, bool, error) {
	var (
		ev       events.Event
		severity string
		payload  sql.NullString
		received int64
	)
	err := s.pool.QueryRowContext(ctx, "event_get", s.get, id).
		Scan(&ev.ID, &ev.Source, &ev.Kind, &severity, &payload, &received)
	if err == sql.ErrNoRows {
		return events.Event{}, false, nil
	}
	if err != nil {
		return events.Event{}, false, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to load event").
			WithComponent("ingest").
			WithOperation("get").
			WithDetail("event_id", id)
	}

	ev.Severity = events.Severity(severity)
	if payload.Valid {
		ev.Payload = json.RawMessage(payload.String)
	}
	ev.ReceivedAt = time.Unix(0, received).UTC()
	return ev, true, nil
}

func getStatement(driver string) string {
	arg := "?"
	if driver == pool.DriverPostgres {
		arg = "$1"
	}
	return "SELECT id, source, kind, severity, payload, received_at FROM security_events WHERE id = " + arg
}

func insertStatement(driver string) string {
	cols := []string{"id", "source", "kind", "severity", "payload", "received_at"}
	args := make([]string, len(cols))
	for i := range cols {
		if driver == pool.DriverPostgres {
			args[i] = fmt.Sprintf("$%d", i+1)
		} else {
			args[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO security_events (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING",
		strings.Join(cols, ", "), strings.Join(args, ", "))
}

func writeErr(err error, op string) *errors.CoreError {
	return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to write event batch").
		WithComponent("ingest").
		WithOperation(op)
}
