// Package cluster implements silo membership: a versioned roster in SQL
// with heartbeat liveness and suspect-vote eviction, plus Redis presence
// keys as a fast liveness hint for gateways.
//
// Every roster mutation follows the insert-if-version-matches protocol: the
// write succeeds only if the caller's observed table version is current, and
// a successful write bumps the version. Readers use the version to detect a
// stale cached view.
package cluster

import (
	"context"
	"time"
)

// Status is a silo's lifecycle state in the roster.
type Status string

const (
	StatusJoining      Status = "joining"
	StatusActive       Status = "active"
	StatusShuttingDown Status = "shutting_down"
	StatusDead         Status = "dead"
	StatusDefunct      Status = "defunct"
)

// SuspectVote records one silo's accusation that another missed heartbeats.
type SuspectVote struct {
	SiloID string    `json:"silo_id"`
	Time   time.Time `json:"time"`
}

// Silo is one roster row. (deployment, endpoint, generation) is unique
// forever; generation strictly increases per endpoint across restarts.
type Silo struct {
	ID           string
	Endpoint     string
	Generation   int64
	SiloName     string
	HostName     string
	Status       Status
	ProxyPort    int
	StartTime    time.Time
	IAmAliveTime time.Time
	SuspectTimes []SuspectVote
}

// Table is a read snapshot of the roster plus the membership version that
// guards writes against it.
type Table struct {
	Version int64
	Rows    map[string]Silo
}

// Active returns the silos currently accepting placements.
func (t Table) Active() []Silo {
	var out []Silo
	for _, s := range t.Rows {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}
	return out
}

// Store is the durable roster. Implementations must make InsertRow and
// UpdateRow atomic with the version bump: both return false (no error) when
// the expected version is stale, and the caller re-reads and retries.
type Store interface {
	ReadAll(ctx context.Context, deployment string) (Table, error)
	InsertRow(ctx context.Context, deployment string, row Silo, expectedVersion int64) (bool, error)
	UpdateRow(ctx context.Context, deployment string, row Silo, expectedVersion int64) (bool, error)
	// UpdateIAmAlive refreshes only the liveness column; it does not bump
	// the membership version, so heartbeats stay cheap.
	UpdateIAmAlive(ctx context.Context, deployment, siloID string, t time.Time) error
	// MaxGeneration returns the highest generation ever used for endpoint.
	MaxGeneration(ctx context.Context, deployment, endpoint string) (int64, error)
}
