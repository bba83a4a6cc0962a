package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/titan/backend/internal/grain"
)

// Named queries for grain state. The version predicate in the write/clear
// statements is what enforces optimistic concurrency; a zero-row result
// means the expected version did not match.
const (
	queryReadState = `
		SELECT payload_binary, version
		  FROM titan_grain_state
		 WHERE grain_id_hash = $1 AND grain_id_n0 = $2 AND grain_id_n1 = $3
		   AND grain_type_string = $4 AND grain_id_extension_string = $5
		   AND service_id = $6 AND payload_binary IS NOT NULL`

	// A first-write lands on either no row or a tombstone left by Clear
	// (payload NULL, version advanced). The upsert recreates over the
	// tombstone, continuing its version; a conflict with a live row
	// yields no row and reports a version conflict.
	queryInsertState = `
		INSERT INTO titan_grain_state
		       (grain_id_hash, grain_id_n0, grain_id_n1, grain_type_hash,
		        grain_type_string, grain_id_extension_string, service_id,
		        payload_binary, modified_on, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), 1)
		ON CONFLICT (grain_id_hash, grain_id_n0, grain_id_n1,
		             grain_type_string, grain_id_extension_string, service_id)
		DO UPDATE SET payload_binary = EXCLUDED.payload_binary,
		              modified_on = now(),
		              version = titan_grain_state.version + 1
		WHERE titan_grain_state.payload_binary IS NULL
		RETURNING version`

	queryUpdateState = `
		UPDATE titan_grain_state
		   SET payload_binary = $8, modified_on = now(), version = version + 1
		 WHERE grain_id_hash = $1 AND grain_id_n0 = $2 AND grain_id_n1 = $3
		   AND grain_type_string = $4 AND grain_id_extension_string = $5
		   AND service_id = $6 AND version = $7`

	queryClearState = `
		UPDATE titan_grain_state
		   SET payload_binary = NULL, modified_on = now(), version = version + 1
		 WHERE grain_id_hash = $1 AND grain_id_n0 = $2 AND grain_id_n1 = $3
		   AND grain_type_string = $4 AND grain_id_extension_string = $5
		   AND service_id = $6 AND version = $7`

	queryUpsertReminder = `
		INSERT INTO titan_reminders
		       (service_id, grain_id, reminder_name, start_time, period_ms, grain_hash, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (service_id, grain_id, reminder_name)
		DO UPDATE SET start_time = $4, period_ms = $5, version = titan_reminders.version + 1`

	queryDeleteReminder = `
		DELETE FROM titan_reminders
		 WHERE service_id = $1 AND grain_id = $2 AND reminder_name = $3`

	queryRemindersWrapped = `
		SELECT grain_id, reminder_name, start_time, period_ms, grain_hash, version
		  FROM titan_reminders
		 WHERE service_id = $1 AND (grain_hash > $2 OR grain_hash <= $3)`

	queryRemindersSegment = `
		SELECT grain_id, reminder_name, start_time, period_ms, grain_hash, version
		  FROM titan_reminders
		 WHERE service_id = $1 AND grain_hash > $2 AND grain_hash <= $3`
)

// Schema is the DDL for the grain-state and reminder tables. Applied by the
// silo at startup; every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS titan_grain_state (
	grain_id_hash             bigint       NOT NULL,
	grain_id_n0               bigint       NOT NULL,
	grain_id_n1               bigint       NOT NULL,
	grain_type_hash           bigint       NOT NULL,
	grain_type_string         varchar(512) NOT NULL,
	grain_id_extension_string varchar(512) NOT NULL DEFAULT '',
	service_id                varchar(150) NOT NULL,
	payload_binary            bytea,
	modified_on               timestamptz  NOT NULL DEFAULT now(),
	version                   bigint       NOT NULL DEFAULT 0,
	PRIMARY KEY (grain_id_hash, grain_id_n0, grain_id_n1,
	             grain_type_string, grain_id_extension_string, service_id)
);

CREATE TABLE IF NOT EXISTS titan_reminders (
	service_id    varchar(150) NOT NULL,
	grain_id      varchar(600) NOT NULL,
	reminder_name varchar(150) NOT NULL,
	start_time    timestamptz  NOT NULL,
	period_ms     bigint       NOT NULL,
	grain_hash    bigint       NOT NULL,
	version       bigint       NOT NULL DEFAULT 0,
	PRIMARY KEY (service_id, grain_id, reminder_name)
);
CREATE INDEX IF NOT EXISTS idx_titan_reminders_hash ON titan_reminders (service_id, grain_hash);
`

// PostgresProvider implements Provider and ReminderStore over Postgres.
type PostgresProvider struct {
	db *sql.DB
}

// NewPostgresProvider connects, verifies connectivity, and applies the schema.
func NewPostgresProvider(dsn string, maxConns int) (*PostgresProvider, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	slog.Info("postgres state provider ready")
	return &PostgresProvider{db: db}, nil
}

func (p *PostgresProvider) Close() error { return p.db.Close() }

// DB exposes the pool for sibling stores (cluster roster) that share the
// same database.
func (p *PostgresProvider) DB() *sql.DB { return p.db }

func keyArgs(id grain.Identity, serviceID string) []interface{} {
	n0, n1 := id.GuidWords()
	return []interface{}{int64(id.Hash()), n0, n1, id.Type, id.Extension(), serviceID}
}

func (p *PostgresProvider) Read(ctx context.Context, id grain.Identity, serviceID string) ([]byte, int64, error) {
	args := keyArgs(id, serviceID)
	// The read query omits the type-hash column; it exists purely for
	// index efficiency and the full tuple is already in the predicate.
	row := p.db.QueryRowContext(ctx, queryReadState, args[0], args[1], args[2], args[3], args[4], args[5])
	var payload []byte
	var version int64
	if err := row.Scan(&payload, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("read grain state %s: %w", id, err)
	}
	return payload, version, nil
}

func (p *PostgresProvider) Write(ctx context.Context, id grain.Identity, serviceID string, payload []byte, expected *int64) (int64, error) {
	args := keyArgs(id, serviceID)
	if expected == nil {
		var version int64
		err := p.db.QueryRowContext(ctx, queryInsertState,
			args[0], args[1], args[2], int64(id.TypeHash()), args[3], args[4], args[5], payload).
			Scan(&version)
		if err == sql.ErrNoRows {
			// A live row already holds this identity.
			return 0, ErrVersionConflict
		}
		if err != nil {
			return 0, fmt.Errorf("insert grain state %s: %w", id, err)
		}
		return version, nil
	}
	res, err := p.db.ExecContext(ctx, queryUpdateState,
		args[0], args[1], args[2], args[3], args[4], args[5], *expected, payload)
	if err != nil {
		return 0, fmt.Errorf("update grain state %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, ErrVersionConflict
	}
	return *expected + 1, nil
}

func (p *PostgresProvider) Clear(ctx context.Context, id grain.Identity, serviceID string, expected *int64) error {
	if expected == nil {
		return ErrVersionConflict
	}
	args := keyArgs(id, serviceID)
	res, err := p.db.ExecContext(ctx, queryClearState,
		args[0], args[1], args[2], args[3], args[4], args[5], *expected)
	if err != nil {
		return fmt.Errorf("clear grain state %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// The grain_id column holds the identity in its JSON form so reminders can
// be rehydrated into full identities on load.
func (p *PostgresProvider) UpsertReminder(ctx context.Context, r Reminder) error {
	idJSON, err := json.Marshal(r.Grain)
	if err != nil {
		return fmt.Errorf("marshal reminder identity: %w", err)
	}
	_, err = p.db.ExecContext(ctx, queryUpsertReminder,
		r.ServiceID, string(idJSON), r.Name, r.StartAt, r.Period.Milliseconds(), int64(r.GrainHash))
	if err != nil {
		return fmt.Errorf("upsert reminder %s/%s: %w", r.Grain, r.Name, err)
	}
	return nil
}

func (p *PostgresProvider) DeleteReminder(ctx context.Context, serviceID string, id grain.Identity, name string) error {
	idJSON, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal reminder identity: %w", err)
	}
	_, err = p.db.ExecContext(ctx, queryDeleteReminder, serviceID, string(idJSON), name)
	if err != nil {
		return fmt.Errorf("delete reminder %s/%s: %w", id, name, err)
	}
	return nil
}

func (p *PostgresProvider) RemindersInRange(ctx context.Context, serviceID string, begin, end uint32) ([]Reminder, error) {
	query := queryRemindersSegment
	if begin >= end {
		query = queryRemindersWrapped
	}
	rows, err := p.db.QueryContext(ctx, query, serviceID, int64(begin), int64(end))
	if err != nil {
		return nil, fmt.Errorf("load reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var (
			grainID  string
			r        Reminder
			periodMS int64
			hash     int64
		)
		if err := rows.Scan(&grainID, &r.Name, &r.StartAt, &periodMS, &hash, &r.Version); err != nil {
			return nil, err
		}
		r.ServiceID = serviceID
		if err := json.Unmarshal([]byte(grainID), &r.Grain); err != nil {
			return nil, fmt.Errorf("decode reminder identity: %w", err)
		}
		r.Period = time.Duration(periodMS) * time.Millisecond
		r.GrainHash = uint32(hash)
		out = append(out, r)
	}
	return out, rows.Err()
}
