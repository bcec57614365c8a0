package users

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/symbolkernel/kernel/internal/authctx"
	"github.com/symbolkernel/kernel/internal/kerrors"
	"github.com/symbolkernel/kernel/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	kv, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return NewService(kv)
}

func TestSetup(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	initialized, err := s.Initialized(ctx)
	require.NoError(t, err)
	require.False(t, initialized)

	admin, err := s.Setup(ctx, "root", "hunter2hunter2")
	require.NoError(t, err)
	require.Equal(t, authctx.RoleAdmin, admin.Role)
	require.True(t, admin.Enabled)

	_, err = s.Setup(ctx, "root2", "hunter2hunter2")
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestCreate_Validation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "", "longenough", authctx.RoleUser)
	require.ErrorIs(t, err, kerrors.ErrInvalid)

	_, err = s.Create(ctx, "alice", "short", authctx.RoleUser)
	require.ErrorIs(t, err, kerrors.ErrInvalid)

	_, err = s.Create(ctx, "alice", "longenough", authctx.RoleUser)
	require.NoError(t, err)

	// Usernames are unique, case-insensitively.
	_, err = s.Create(ctx, "Alice", "longenough", authctx.RoleUser)
	require.ErrorIs(t, err, kerrors.ErrConflict)
}

func TestAuthenticate(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	u, err := s.Create(ctx, "alice", "correct-horse", authctx.RoleUser)
	require.NoError(t, err)

	got, err := s.Authenticate(ctx, "alice", "correct-horse")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	_, err = s.Authenticate(ctx, "alice", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "nobody", "correct-horse")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Disabled accounts do not authenticate.
	enabled := false
	_, err = s.Update(ctx, u.ID, Update{Enabled: &enabled})
	require.NoError(t, err)
	_, err = s.Authenticate(ctx, "alice", "correct-horse")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestChangePassword(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	u, err := s.Create(ctx, "alice", "old-password", authctx.RoleUser)
	require.NoError(t, err)

	require.ErrorIs(t, s.ChangePassword(ctx, u.ID, "wrong", "new-password-1"), ErrInvalidCredentials)
	require.NoError(t, s.ChangePassword(ctx, u.ID, "old-password", "new-password-1"))

	_, err = s.Authenticate(ctx, "alice", "old-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "alice", "new-password-1")
	require.NoError(t, err)
}

func TestAPIKeys(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	u, err := s.Create(ctx, "alice", "correct-horse", authctx.RoleUser)
	require.NoError(t, err)

	key1, err := s.RotateAPIKey(ctx, u.ID)
	require.NoError(t, err)
	require.NotEmpty(t, key1)

	got, err := s.ByAPIKey(ctx, key1)
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	// Rotation invalidates the old key.
	key2, err := s.RotateAPIKey(ctx, u.ID)
	require.NoError(t, err)
	require.NotEqual(t, key1, key2)
	_, err = s.ByAPIKey(ctx, key1)
	require.ErrorIs(t, err, kerrors.ErrUnauthorized)
	_, err = s.ByAPIKey(ctx, key2)
	require.NoError(t, err)

	_, err = s.ByAPIKey(ctx, "")
	require.ErrorIs(t, err, kerrors.ErrUnauthorized)
}

func TestDelete(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	u, err := s.Create(ctx, "alice", "correct-horse", authctx.RoleUser)
	require.NoError(t, err)
	key, err := s.RotateAPIKey(ctx, u.ID)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, u.ID))
	_, err = s.Get(ctx, u.ID)
	require.ErrorIs(t, err, kerrors.ErrNotFound)
	_, err = s.ByAPIKey(ctx, key)
	require.ErrorIs(t, err, kerrors.ErrUnauthorized)

	// The username is free again.
	_, err = s.Create(ctx, "alice", "correct-horse", authctx.RoleUser)
	require.NoError(t, err)
}

func TestJWTRoundTrip(t *testing.T) {
	jwtSvc := NewJWTService("test-secret", time.Hour)
	u := &User{ID: "u1", Username: "alice", Role: authctx.RoleAdmin}

	token, err := jwtSvc.Generate(u)
	require.NoError(t, err)

	auth, err := jwtSvc.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "u1", auth.UserID)
	require.Equal(t, "alice", auth.Username)
	require.True(t, auth.IsAdmin())

	_, err = jwtSvc.Validate("garbage")
	require.ErrorIs(t, err, kerrors.ErrUnauthorized)

	// Tokens from a different secret are rejected.
	other := NewJWTService("other-secret", time.Hour)
	otherToken, err := other.Generate(u)
	require.NoError(t, err)
	_, err = jwtSvc.Validate(otherToken)
	require.ErrorIs(t, err, kerrors.ErrUnauthorized)
}

func TestPublicOmitsCredentials(t *testing.T) {
	u := &User{ID: "u1", Username: "alice", Salt: "s", PasswordHash: "h", APIKey: "k", Role: authctx.RoleUser}
	pub := u.Public()
	require.Equal(t, "alice", pub.Username)
	require.Equal(t, "u1", pub.ID)
}
