package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearCTraderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CTRADER_CLIENT_ID", "CTRADER_CLIENT_SECRET", "TOKEN_ENCRYPTION_KEY",
		"CTRADER_ENV", "PORT", "NODE_ENV",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadRequiresClientCredentials(t *testing.T) {
	clearCTraderEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearCTraderEnv(t)
	os.Setenv("CTRADER_CLIENT_ID", "id")
	os.Setenv("CTRADER_CLIENT_SECRET", "secret")
	os.Setenv("TOKEN_ENCRYPTION_KEY", "key")
	defer clearCTraderEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8088, cfg.Port)
	require.Equal(t, "demo.ctraderapi.com", cfg.CTraderDemoHost)
	require.Equal(t, 5035, cfg.CTraderPort)
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	clearCTraderEnv(t)
	os.Setenv("CTRADER_CLIENT_ID", "id")
	os.Setenv("CTRADER_CLIENT_SECRET", "secret")
	os.Setenv("TOKEN_ENCRYPTION_KEY", "key")
	os.Setenv("CTRADER_ENV", "staging")
	defer clearCTraderEnv(t)

	_, err := Load()
	require.Error(t, err)
}
