package cluster

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Named queries for the membership roster. Row mutations run inside a SQL
// transaction that first bumps the version row with a version predicate;
// zero rows affected means the caller's view was stale.
const (
	queryBumpVersion = `
		UPDATE titan_membership_version
		   SET version = version + 1, timestamp = now()
		 WHERE deployment_id = $1 AND version = $2`

	queryInsertVersionRow = `
		INSERT INTO titan_membership_version (deployment_id, version, timestamp)
		VALUES ($1, 0, now())
		ON CONFLICT (deployment_id) DO NOTHING`

	queryReadVersion = `
		SELECT version FROM titan_membership_version WHERE deployment_id = $1`

	queryReadRows = `
		SELECT silo_id, endpoint, generation, silo_name, host_name, status,
		       proxy_port, start_time, i_am_alive_time, suspect_times
		  FROM titan_membership
		 WHERE deployment_id = $1`

	queryInsertRow = `
		INSERT INTO titan_membership
		       (deployment_id, silo_id, endpoint, generation, silo_name, host_name,
		        status, proxy_port, start_time, i_am_alive_time, suspect_times)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	queryUpdateRow = `
		UPDATE titan_membership
		   SET status = $3, suspect_times = $4, i_am_alive_time = $5
		 WHERE deployment_id = $1 AND silo_id = $2`

	queryUpdateAlive = `
		UPDATE titan_membership
		   SET i_am_alive_time = $3
		 WHERE deployment_id = $1 AND silo_id = $2`

	queryMaxGeneration = `
		SELECT COALESCE(MAX(generation), 0)
		  FROM titan_membership
		 WHERE deployment_id = $1 AND endpoint = $2`
)

// MembershipSchema is applied by the silo at startup alongside the grain
// state schema.
const MembershipSchema = `
CREATE TABLE IF NOT EXISTS titan_membership_version (
	deployment_id varchar(150) PRIMARY KEY,
	version       bigint      NOT NULL DEFAULT 0,
	timestamp     timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS titan_membership (
	deployment_id   varchar(150) NOT NULL,
	silo_id         varchar(150) NOT NULL,
	endpoint        varchar(150) NOT NULL,
	generation      bigint       NOT NULL,
	silo_name       varchar(150) NOT NULL DEFAULT '',
	host_name       varchar(150) NOT NULL DEFAULT '',
	status          varchar(32)  NOT NULL,
	proxy_port      int          NOT NULL DEFAULT 0,
	start_time      timestamptz  NOT NULL,
	i_am_alive_time timestamptz  NOT NULL,
	suspect_times   jsonb        NOT NULL DEFAULT '[]',
	PRIMARY KEY (deployment_id, silo_id),
	UNIQUE (deployment_id, endpoint, generation)
);
`

// PostgresStore is the durable membership Store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB, deployment string) (*PostgresStore, error) {
	if _, err := db.Exec(MembershipSchema); err != nil {
		return nil, fmt.Errorf("apply membership schema: %w", err)
	}
	if _, err := db.Exec(queryInsertVersionRow, deployment); err != nil {
		return nil, fmt.Errorf("seed membership version row: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) ReadAll(ctx context.Context, deployment string) (Table, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx, queryReadVersion, deployment).Scan(&version); err != nil {
		return Table{}, fmt.Errorf("read membership version: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryReadRows, deployment)
	if err != nil {
		return Table{}, fmt.Errorf("read membership rows: %w", err)
	}
	defer rows.Close()

	table := Table{Version: version, Rows: make(map[string]Silo)}
	for rows.Next() {
		var (
			row        Silo
			status     string
			suspectRaw []byte
		)
		if err := rows.Scan(&row.ID, &row.Endpoint, &row.Generation, &row.SiloName,
			&row.HostName, &status, &row.ProxyPort, &row.StartTime,
			&row.IAmAliveTime, &suspectRaw); err != nil {
			return Table{}, err
		}
		row.Status = Status(status)
		if err := json.Unmarshal(suspectRaw, &row.SuspectTimes); err != nil {
			return Table{}, fmt.Errorf("decode suspect votes for %s: %w", row.ID, err)
		}
		table.Rows[row.ID] = row
	}
	return table, rows.Err()
}

// bumpThen runs fn inside a transaction after successfully advancing the
// version row from expectedVersion. Returns false without error when the
// version predicate misses.
func (s *PostgresStore) bumpThen(ctx context.Context, deployment string, expectedVersion int64, fn func(*sql.Tx) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin membership tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, queryBumpVersion, deployment, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("bump membership version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if err := fn(tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit membership tx: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) InsertRow(ctx context.Context, deployment string, row Silo, expectedVersion int64) (bool, error) {
	suspectRaw, _ := json.Marshal(row.SuspectTimes)
	return s.bumpThen(ctx, deployment, expectedVersion, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, queryInsertRow,
			deployment, row.ID, row.Endpoint, row.Generation, row.SiloName,
			row.HostName, string(row.Status), row.ProxyPort, row.StartTime,
			row.IAmAliveTime, suspectRaw)
		if err != nil {
			return fmt.Errorf("insert membership row %s: %w", row.ID, err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateRow(ctx context.Context, deployment string, row Silo, expectedVersion int64) (bool, error) {
	suspectRaw, _ := json.Marshal(row.SuspectTimes)
	return s.bumpThen(ctx, deployment, expectedVersion, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, queryUpdateRow,
			deployment, row.ID, string(row.Status), suspectRaw, row.IAmAliveTime)
		if err != nil {
			return fmt.Errorf("update membership row %s: %w", row.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("membership row %s vanished", row.ID)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateIAmAlive(ctx context.Context, deployment, siloID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, queryUpdateAlive, deployment, siloID, at)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", siloID, err)
	}
	return nil
}

func (s *PostgresStore) MaxGeneration(ctx context.Context, deployment, endpoint string) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx, queryMaxGeneration, deployment, endpoint).Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("max generation for %s: %w", endpoint, err)
	}
	return gen, nil
}
