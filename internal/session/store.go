// Package session persists per-user gateway state — selected environment,
// active trading account, and encrypted OAuth tokens — in the KV store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
	"github.com/orbital-markets/ctrader-gateway/internal/kv"
	"github.com/orbital-markets/ctrader-gateway/internal/tokencrypto"
)

// ErrTokenMissing is returned by reads of access/refresh tokens when none
// has ever been saved, distinct from any decrypt or store error.
var ErrTokenMissing = errors.New("session: token not set")

func key(userID string) string {
	return "session:" + userID
}

// Store reads and writes Session values, encrypting/decrypting token
// fields transparently.
type Store struct {
	kv  kv.Store
	box *tokencrypto.Box
}

// New builds a Store over kv, using box for token encryption.
func New(store kv.Store, box *tokencrypto.Box) *Store {
	return &Store{kv: store, box: box}
}

// Load returns the current session for userID, or a zero-value Session
// (with UserID set) if none exists yet.
func (s *Store) Load(ctx context.Context, userID string) (domain.Session, error) {
	raw, err := s.kv.Get(ctx, key(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return domain.Session{UserID: userID}, nil
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: load %s: %w", userID, err)
	}
	var sess domain.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return domain.Session{}, fmt.Errorf("session: decode %s: %w", userID, err)
	}
	return sess, nil
}

// Patch is a partial update: only non-nil fields are applied, preserving
// everything else already stored.
type Patch struct {
	Env             *domain.Environment
	ActiveAccountID *int64
	AccessTokenEnc  *string
	RefreshTokenEnc *string
	// ClearTokens clears both token fields instead of leaving them
	// untouched.
	ClearTokens bool
}

// PatchSession performs a read-modify-write merge of p into the current
// session for userID and persists the result with the given ttl. A zero ttl
// means "no new expiry to apply"; the session's last known expiresIn (set by
// SaveTokens) is reapplied instead, so field-only writes never strip the
// key's TTL per §3's "TTL refreshed on every write" invariant.
func (s *Store) PatchSession(ctx context.Context, userID string, p Patch, ttl time.Duration) (domain.Session, error) {
	current, err := s.Load(ctx, userID)
	if err != nil {
		return domain.Session{}, err
	}

	if ttl <= 0 && current.ExpiresInSeconds > 0 {
		ttl = time.Duration(current.ExpiresInSeconds) * time.Second
	}
	if ttl > 0 {
		current.ExpiresInSeconds = int64(ttl / time.Second)
	}

	if p.Env != nil {
		current.Env = p.Env
	}
	if p.ActiveAccountID != nil {
		current.ActiveAccountID = p.ActiveAccountID
	}
	if p.ClearTokens {
		current.AccessTokenEnc = nil
		current.RefreshTokenEnc = nil
	} else {
		if p.AccessTokenEnc != nil {
			current.AccessTokenEnc = p.AccessTokenEnc
		}
		if p.RefreshTokenEnc != nil {
			current.RefreshTokenEnc = p.RefreshTokenEnc
		}
	}
	current.UserID = userID
	current.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(current)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: encode %s: %w", userID, err)
	}
	if err := s.kv.Set(ctx, key(userID), string(raw), ttl); err != nil {
		return domain.Session{}, fmt.Errorf("session: persist %s: %w", userID, err)
	}
	return current, nil
}

// SetEnv persists the user's chosen environment. It passes no TTL of its
// own, so PatchSession reapplies the session's last known expiresIn.
func (s *Store) SetEnv(ctx context.Context, userID string, env domain.Environment) (domain.Session, error) {
	return s.PatchSession(ctx, userID, Patch{Env: &env}, 0)
}

// SetActiveAccountID persists the user's active trading account.
func (s *Store) SetActiveAccountID(ctx context.Context, userID string, accountID int64) (domain.Session, error) {
	return s.PatchSession(ctx, userID, Patch{ActiveAccountID: &accountID}, 0)
}

// SaveTokens encrypts and persists both tokens, refreshing the TTL to
// match expiresIn as required by §3's lifecycle invariant.
func (s *Store) SaveTokens(ctx context.Context, userID string, tok domain.TokenPair) (domain.Session, error) {
	accessEnc, err := s.box.Encrypt(tok.AccessToken)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: encrypt access token: %w", err)
	}
	patch := Patch{AccessTokenEnc: &accessEnc}
	if tok.RefreshToken != "" {
		refreshEnc, err := s.box.Encrypt(tok.RefreshToken)
		if err != nil {
			return domain.Session{}, fmt.Errorf("session: encrypt refresh token: %w", err)
		}
		patch.RefreshTokenEnc = &refreshEnc
	}
	ttl := time.Duration(tok.ExpiresIn) * time.Second
	return s.PatchSession(ctx, userID, patch, ttl)
}

// Logout clears session tokens and active account, keeping Env.
func (s *Store) Logout(ctx context.Context, userID string) (domain.Session, error) {
	current, err := s.Load(ctx, userID)
	if err != nil {
		return domain.Session{}, err
	}
	// Patch's "nil means untouched" contract can't express clearing
	// ActiveAccountID, so logout drops the whole key and re-seeds Env.
	if err := s.kv.Del(ctx, key(userID)); err != nil {
		return domain.Session{}, fmt.Errorf("session: logout %s: %w", userID, err)
	}
	if current.Env == nil {
		return domain.Session{UserID: userID}, nil
	}
	return s.SetEnv(ctx, userID, *current.Env)
}

// AccessToken decrypts and returns the stored access token, or
// ErrTokenMissing if none was ever saved.
func (s *Store) AccessToken(ctx context.Context, userID string) (string, error) {
	sess, err := s.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess.AccessTokenEnc == nil {
		return "", ErrTokenMissing
	}
	return s.box.Decrypt(*sess.AccessTokenEnc)
}

// RefreshToken decrypts and returns the stored refresh token, or
// ErrTokenMissing if none was ever saved.
func (s *Store) RefreshToken(ctx context.Context, userID string) (string, error) {
	sess, err := s.Load(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess.RefreshTokenEnc == nil {
		return "", ErrTokenMissing
	}
	return s.box.Decrypt(*sess.RefreshTokenEnc)
}
