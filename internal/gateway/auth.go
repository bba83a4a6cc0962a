package gateway

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/titan/backend/internal/errs"
)

// Account is a player or admin login.
type Account struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// CredentialProvider names the account backend sessions record; only
// local username/password accounts exist today.
const CredentialProvider = "local"

// Roles derives the role list a session carries for this account.
func (a Account) Roles() []string {
	roles := []string{"player"}
	if a.IsAdmin {
		roles = append(roles, "admin")
	}
	return roles
}

// CredentialStore verifies and creates accounts. The gateway only ever
// sees bcrypt digests; plaintext passwords die inside Verify/Create.
type CredentialStore interface {
	Create(ctx context.Context, username, password string, isAdmin bool) (Account, error)
	Verify(ctx context.Context, username, password string) (Account, error)
}

const (
	queryInsertAccount = `
		INSERT INTO titan_accounts (id, username, password_hash, is_admin, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (username) DO NOTHING`

	queryReadAccount = `
		SELECT id, password_hash, is_admin, created_at
		  FROM titan_accounts
		 WHERE username = $1`
)

// AccountsSchema is applied by scripts/schema.sql alongside the grain
// state tables.
const AccountsSchema = `
CREATE TABLE IF NOT EXISTS titan_accounts (
    id            UUID PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    is_admin      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresCredentials stores accounts in the same database as grain
// state.
type PostgresCredentials struct {
	db *sql.DB
}

func NewPostgresCredentials(db *sql.DB) *PostgresCredentials {
	return &PostgresCredentials{db: db}
}

func (s *PostgresCredentials) Create(ctx context.Context, username, password string, isAdmin bool) (Account, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return Account{}, errs.Application("bad_request", "username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, errs.SystemWrap(err, "hash password")
	}

	acct := Account{ID: uuid.NewString(), Username: username, CreatedAt: time.Now().UTC(), IsAdmin: isAdmin}
	res, err := s.db.ExecContext(ctx, queryInsertAccount, acct.ID, username, string(hash), isAdmin)
	if err != nil {
		return Account{}, errs.TransientWrap(err, "create account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Account{}, errs.Application("username_taken", "username %q is taken", username)
	}
	return acct, nil
}

func (s *PostgresCredentials) Verify(ctx context.Context, username, password string) (Account, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	var (
		acct Account
		hash string
	)
	acct.Username = username
	err := s.db.QueryRowContext(ctx, queryReadAccount, username).
		Scan(&acct.ID, &hash, &acct.IsAdmin, &acct.CreatedAt)
	if err == sql.ErrNoRows {
		// Same failure as a bad password: no username probing.
		return Account{}, errs.Auth("invalid_credentials", "invalid username or password")
	}
	if err != nil {
		return Account{}, errs.TransientWrap(err, "read account")
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Account{}, errs.Auth("invalid_credentials", "invalid username or password")
	}
	return acct, nil
}

// MemoryCredentials backs dev clusters and tests.
type MemoryCredentials struct {
	mu       sync.Mutex
	accounts map[string]memoryAccount
}

type memoryAccount struct {
	acct Account
	hash []byte
}

func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{accounts: make(map[string]memoryAccount)}
}

func (s *MemoryCredentials) Create(ctx context.Context, username, password string, isAdmin bool) (Account, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return Account{}, errs.Application("bad_request", "username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, errs.SystemWrap(err, "hash password")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[username]; ok {
		return Account{}, errs.Application("username_taken", "username %q is taken", username)
	}
	acct := Account{ID: uuid.NewString(), Username: username, CreatedAt: time.Now().UTC(), IsAdmin: isAdmin}
	s.accounts[username] = memoryAccount{acct: acct, hash: hash}
	return acct, nil
}

func (s *MemoryCredentials) Verify(ctx context.Context, username, password string) (Account, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	entry, ok := s.accounts[username]
	s.mu.Unlock()
	if !ok {
		return Account{}, errs.Auth("invalid_credentials", "invalid username or password")
	}
	if bcrypt.CompareHashAndPassword(entry.hash, []byte(password)) != nil {
		return Account{}, errs.Auth("invalid_credentials", "invalid username or password")
	}
	return entry.acct, nil
}
