package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/zerotrust/overlay/internal/apierr"
)

// PostgresStore is the production-grade Store, a self-hosted Postgres
// instance addressed via database/sql + lib/pq, matching the teacher's
// posture of an explicit Go struct per table with a constructor that takes
// a DSN rather than a managed-service client.
type PostgresStore struct {
	db *sql.DB
}

// Schema (forward-only; NewPostgresStore does not create it and this module
// ships no migration file, so the table must exist before the store is used):
//
//	CREATE TABLE event_store (
//	    id               BIGSERIAL PRIMARY KEY,
//	    aggregate_type   TEXT NOT NULL,
//	    aggregate_id     TEXT NOT NULL,
//	    aggregate_version BIGINT NOT NULL,
//	    event_type       TEXT NOT NULL,
//	    payload          JSONB NOT NULL,
//	    actor            TEXT NOT NULL,
//	    client_request_id TEXT,
//	    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (aggregate_id, client_request_id),
//	    UNIQUE (aggregate_id, aggregate_version)
//	);
const schemaDoc = "see the event_store schema in the comment above"

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("eventlog: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Commit(ctx context.Context, a Append) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, apierr.Transient("begin tx", err)
	}
	defer tx.Rollback()

	if a.ClientRequestID != "" {
		var ev Event
		var payload []byte
		row := tx.QueryRowContext(ctx, `
			SELECT id, aggregate_type, aggregate_id, aggregate_version, event_type,
			       payload, actor, client_request_id, created_at
			FROM event_store WHERE aggregate_id = $1 AND client_request_id = $2`,
			a.AggregateID, a.ClientRequestID)
		if err := row.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.AggregateVersion,
			&ev.EventType, &payload, &ev.Actor, &ev.ClientRequestID, &ev.CreatedAt); err == nil {
			ev.Payload = payload
			return ev, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return Event{}, apierr.Transient("idempotency lookup", err)
		}
	}

	var current int64
	row := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(aggregate_version), 0) FROM event_store
		WHERE aggregate_type = $1 AND aggregate_id = $2 FOR UPDATE`,
		a.AggregateType, a.AggregateID)
	if err := row.Scan(&current); err != nil {
		return Event{}, apierr.Transient("read current version", err)
	}
	if current != a.ExpectedVersion {
		return Event{}, apierr.Conflict(fmt.Sprintf(
			"aggregate version mismatch: expected %d got %d", a.ExpectedVersion, current))
	}

	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return Event{}, apierr.Invalid("invalid event payload: " + err.Error())
	}

	var ev Event
	row = tx.QueryRowContext(ctx, `
		INSERT INTO event_store
			(aggregate_type, aggregate_id, aggregate_version, event_type, payload, actor, client_request_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING id, created_at`,
		a.AggregateType, a.AggregateID, current+1, a.EventType, payload, a.Actor, a.ClientRequestID)
	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Event{}, apierr.Conflict("concurrent append raced this aggregate")
		}
		return Event{}, apierr.Transient("insert event", err)
	}

	ev.AggregateType = a.AggregateType
	ev.AggregateID = a.AggregateID
	ev.AggregateVersion = current + 1
	ev.EventType = a.EventType
	ev.Payload = payload
	ev.Actor = a.Actor
	ev.ClientRequestID = a.ClientRequestID

	if err := tx.Commit(); err != nil {
		return Event{}, apierr.Transient("commit tx", err)
	}
	return ev, nil
}

func (s *PostgresStore) Replay(ctx context.Context, aggregateType AggregateType, aggregateID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, aggregate_version, event_type,
		       payload, actor, client_request_id, created_at
		FROM event_store WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY aggregate_version ASC`, aggregateType, aggregateID)
	if err != nil {
		return nil, apierr.Transient("replay query", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ReplayAll(ctx context.Context, fromID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, aggregate_version, event_type,
		       payload, actor, client_request_id, created_at
		FROM event_store WHERE id > $1 ORDER BY id ASC`, fromID)
	if err != nil {
		return nil, apierr.Transient("replay-all query", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) CurrentVersion(ctx context.Context, aggregateType AggregateType, aggregateID string) (int64, error) {
	var v int64
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(aggregate_version), 0) FROM event_store
		WHERE aggregate_type = $1 AND aggregate_id = $2`, aggregateType, aggregateID)
	if err := row.Scan(&v); err != nil {
		return 0, apierr.Transient("read current version", err)
	}
	return v, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	out := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.AggregateVersion,
			&ev.EventType, &payload, &ev.Actor, &ev.ClientRequestID, &ev.CreatedAt); err != nil {
			return nil, apierr.Transient("scan event row", err)
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

// isUniqueViolation matches Postgres error code 23505 without importing the
// heavier pq.Error machinery beyond what's needed.
func isUniqueViolation(err error) bool {
	return err != nil && containsCode(err.Error(), "23505")
}

func containsCode(s, code string) bool {
	for i := 0; i+len(code) <= len(s); i++ {
		if s[i:i+len(code)] == code {
			return true
		}
	}
	return false
}
