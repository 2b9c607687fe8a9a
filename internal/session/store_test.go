package session

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
	"github.com/orbital-markets/ctrader-gateway/internal/kv"
	"github.com/orbital-markets/ctrader-gateway/internal/tokencrypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	box, err := tokencrypto.New(key)
	require.NoError(t, err)
	return New(kv.NewMemoryStore(), box)
}

func TestPatchSessionPreservesUnsetFields(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	env := domain.EnvDemo
	_, err := store.PatchSession(ctx, "u1", Patch{Env: &env}, time.Hour)
	require.NoError(t, err)

	acct := int64(42)
	sess, err := store.PatchSession(ctx, "u1", Patch{ActiveAccountID: &acct}, time.Hour)
	require.NoError(t, err)

	require.NotNil(t, sess.Env)
	require.Equal(t, domain.EnvDemo, *sess.Env)
	require.NotNil(t, sess.ActiveAccountID)
	require.Equal(t, int64(42), *sess.ActiveAccountID)
}

func TestSaveTokensEncryptsAndRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.SaveTokens(ctx, "u1", domain.TokenPair{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-xyz",
		ExpiresIn:    3600,
	})
	require.NoError(t, err)

	access, err := store.AccessToken(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "access-abc", access)

	refresh, err := store.RefreshToken(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "refresh-xyz", refresh)
}

func TestFieldOnlyWritesCarryTTLForward(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.SaveTokens(ctx, "u1", domain.TokenPair{AccessToken: "a", ExpiresIn: 3600})
	require.NoError(t, err)

	acct := int64(7)
	sess, err := store.SetActiveAccountID(ctx, "u1", acct)
	require.NoError(t, err)
	require.Equal(t, int64(3600), sess.ExpiresInSeconds)

	reloaded, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(3600), reloaded.ExpiresInSeconds)
}

func TestAccessTokenMissingIsDistinctFromError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.AccessToken(ctx, "nobody")
	require.ErrorIs(t, err, ErrTokenMissing)
}

func TestLogoutClearsTokensButKeepsEnv(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	env := domain.EnvLive
	_, err := store.SetEnv(ctx, "u1", env)
	require.NoError(t, err)
	_, err = store.SaveTokens(ctx, "u1", domain.TokenPair{AccessToken: "a", ExpiresIn: 60})
	require.NoError(t, err)

	sess, err := store.Logout(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, sess.AccessTokenEnc)
	require.NotNil(t, sess.Env)
	require.Equal(t, domain.EnvLive, *sess.Env)

	_, err = store.AccessToken(ctx, "u1")
	require.ErrorIs(t, err, ErrTokenMissing)
}
