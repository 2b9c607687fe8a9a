package symbols

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
	"github.com/orbital-markets/ctrader-gateway/internal/kv"
)

func TestReplaceAllInvariants(t *testing.T) {
	ctx := context.Background()
	store := New(kv.NewMemoryStore(), time.Hour)

	m := map[string]int64{"EURUSD": 1, "EURGBP": 2, "USDJPY": 3}
	require.NoError(t, store.ReplaceAll(ctx, "u1", domain.EnvDemo, 1, m))

	count, err := store.Count(ctx, "u1", domain.EnvDemo, 1)
	require.NoError(t, err)
	require.Equal(t, int64(len(m)), count)

	for name, id := range m {
		got, ok, err := store.GetSymbolID(ctx, "u1", domain.EnvDemo, 1, name)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, id, got)
	}

	_, ok, err := store.GetSymbolID(ctx, "u1", domain.EnvDemo, 1, "GBPJPY")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplaceAllIsFullReplacement(t *testing.T) {
	ctx := context.Background()
	store := New(kv.NewMemoryStore(), time.Hour)

	require.NoError(t, store.ReplaceAll(ctx, "u1", domain.EnvDemo, 1, map[string]int64{"AAA": 1, "BBB": 2}))
	require.NoError(t, store.ReplaceAll(ctx, "u1", domain.EnvDemo, 1, map[string]int64{"CCC": 3}))

	_, ok, err := store.GetSymbolID(ctx, "u1", domain.EnvDemo, 1, "AAA")
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := store.GetSymbolID(ctx, "u1", domain.EnvDemo, 1, "CCC")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), got)
}

func TestSearchFiltersAndLimits(t *testing.T) {
	ctx := context.Background()
	store := New(kv.NewMemoryStore(), time.Hour)

	require.NoError(t, store.ReplaceAll(ctx, "u1", domain.EnvDemo, 1, map[string]int64{
		"EURUSD": 1, "EURGBP": 2, "USDJPY": 3, "GBPUSD": 4,
	}))

	results, err := store.Search(ctx, "u1", domain.EnvDemo, 1, "eur", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Contains(t, r.Symbol, "EUR")
	}

	limited, err := store.Search(ctx, "u1", domain.EnvDemo, 1, "", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestGetSymbolIDRejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	store := New(mem, time.Hour)

	require.NoError(t, mem.HSet(ctx, "symbols:u1:demo:1", map[string]string{"BADSYM": "0"}))
	_, ok, err := store.GetSymbolID(ctx, "u1", domain.EnvDemo, 1, "BADSYM")
	require.NoError(t, err)
	require.False(t, ok)
}
