package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan/backend/internal/errs"
)

func TestCreateAndVerifyAccount(t *testing.T) {
	ctx := context.Background()
	creds := NewMemoryCredentials()

	created, err := creds.Create(ctx, "Alice", "hunter22", false)
	require.NoError(t, err)
	assert.Equal(t, "alice", created.Username, "usernames normalize to lowercase")
	assert.False(t, created.IsAdmin)

	// Verification is case-insensitive on the username.
	got, err := creds.Verify(ctx, "ALICE", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	ctx := context.Background()
	creds := NewMemoryCredentials()
	_, err := creds.Create(ctx, "alice", "hunter22", false)
	require.NoError(t, err)

	_, err = creds.Create(ctx, "Alice", "other-password", false)
	require.Error(t, err)
	var terr *errs.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "username_taken", terr.Code)
}

// A wrong password and an unknown username must be indistinguishable, or
// the login endpoint becomes a username oracle.
func TestBadCredentialsAreUniform(t *testing.T) {
	ctx := context.Background()
	creds := NewMemoryCredentials()
	_, err := creds.Create(ctx, "alice", "hunter22", false)
	require.NoError(t, err)

	_, badPass := creds.Verify(ctx, "alice", "wrong")
	_, noUser := creds.Verify(ctx, "nobody", "wrong")
	require.Error(t, badPass)
	require.Error(t, noUser)
	assert.Equal(t, badPass.Error(), noUser.Error())
	assert.Equal(t, errs.KindAuth, errs.KindOf(badPass))
}

func TestEmptyCredentialsRejected(t *testing.T) {
	creds := NewMemoryCredentials()
	_, err := creds.Create(context.Background(), "", "password", false)
	require.Error(t, err)
	_, err = creds.Create(context.Background(), "alice", "", false)
	require.Error(t, err)
}
