// Package symbols persists the per-(user,env,account) symbol-name→id
// catalog as a KV hash, with search over it.
package symbols

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
	"github.com/orbital-markets/ctrader-gateway/internal/kv"
)

// DefaultTTL is the catalog's persisted lifetime when the caller does not
// override it, per §3.
const DefaultTTL = 24 * time.Hour

const scanCount = 200

func key(userID string, env domain.Environment, accountID int64) string {
	return fmt.Sprintf("symbols:%s:%s:%d", userID, env, accountID)
}

// Store reads and replaces a single account's symbol catalog.
type Store struct {
	kv  kv.Store
	ttl time.Duration
}

// New builds a Store with the given TTL (DefaultTTL if ttl <= 0).
func New(store kv.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: store, ttl: ttl}
}

// Count returns the number of symbols cached for the account.
func (s *Store) Count(ctx context.Context, userID string, env domain.Environment, accountID int64) (int64, error) {
	return s.kv.HLen(ctx, key(userID, env, accountID))
}

// GetSymbolID looks up a single symbol, returning (0, false) if it is
// missing or non-positive.
func (s *Store) GetSymbolID(ctx context.Context, userID string, env domain.Environment, accountID int64, name string) (int64, bool, error) {
	raw, err := s.kv.HGet(ctx, key(userID, env, accountID), strings.ToUpper(name))
	if err == kv.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("symbols: get %s: %w", name, err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false, nil
	}
	return id, true, nil
}

// ReplaceAll replaces the whole catalog with m (uppercase symbol name →
// positive id) by deleting the hash and writing m in its place, then
// applies the store's TTL. These are separate store calls, not one atomic
// operation: a concurrent reader can see the catalog empty in between.
func (s *Store) ReplaceAll(ctx context.Context, userID string, env domain.Environment, accountID int64, m map[string]int64) error {
	k := key(userID, env, accountID)
	if err := s.kv.Del(ctx, k); err != nil {
		return fmt.Errorf("symbols: clear %s: %w", k, err)
	}
	if len(m) > 0 {
		fields := make(map[string]string, len(m))
		for name, id := range m {
			fields[strings.ToUpper(name)] = strconv.FormatInt(id, 10)
		}
		if err := s.kv.HSet(ctx, k, fields); err != nil {
			return fmt.Errorf("symbols: replace %s: %w", k, err)
		}
	}
	if err := s.kv.Expire(ctx, k, s.ttl); err != nil {
		return fmt.Errorf("symbols: set ttl %s: %w", k, err)
	}
	return nil
}

// Search returns up to limit matches for needle (a case-insensitive
// substring of the symbol name, empty meaning "any"). It uses an
// incremental hash scan; if the scan yields nothing it falls back to a
// full read filtered client-side, defending against server-side glob
// quirks.
func (s *Store) Search(ctx context.Context, userID string, env domain.Environment, accountID int64, needle string, limit int) ([]domain.SymbolEntry, error) {
	k := key(userID, env, accountID)
	needle = strings.ToUpper(needle)
	pattern := "*" + needle + "*"
	if needle == "" {
		pattern = "*"
	}

	found := make(map[string]int64)
	var cursor uint64
	for {
		fields, next, err := s.kv.HScan(ctx, k, cursor, pattern, scanCount)
		if err != nil {
			return nil, fmt.Errorf("symbols: scan %s: %w", k, err)
		}
		for name, raw := range fields {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				continue
			}
			found[name] = id
			if len(found) >= limit {
				break
			}
		}
		cursor = next
		if cursor == 0 || len(found) >= limit {
			break
		}
	}

	if len(found) == 0 {
		all, err := s.kv.HGetAll(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("symbols: fallback read %s: %w", k, err)
		}
		for name, raw := range all {
			if needle != "" && !strings.Contains(name, needle) {
				continue
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				continue
			}
			found[name] = id
			if len(found) >= limit {
				break
			}
		}
	}

	out := make([]domain.SymbolEntry, 0, len(found))
	for name, id := range found {
		out = append(out, domain.SymbolEntry{Symbol: name, SymbolID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
