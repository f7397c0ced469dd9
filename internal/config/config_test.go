package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	listingsHash = "0x1b4357bff5a01bdf2a6581247cf9ed1e24629176"
	tokenHash    = "0xd2a4cff31913016155e38e474a2c06d08be276cf"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "carmarket.yaml", `
server:
  addr: ":9000"
  cors_origins: ["https://cars.example"]
chain:
  rpc_url: "https://testnet1.neo.coz.io:443"
  network_magic: 894710606
  rate_limit: 5
  wait_timeout: 90s
contracts:
  listings_hash: "`+listingsHash+`"
  token_hash: "`+tokenHash+`"
listings:
  refresh_schedule: "@every 30s"
log:
  level: debug
  format: json
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://cars.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "https://testnet1.neo.coz.io:443", cfg.Chain.RPCURL)
	assert.Equal(t, uint32(894710606), cfg.Chain.NetworkMagic)
	assert.Equal(t, 5.0, cfg.Chain.RateLimit)
	assert.Equal(t, 90*time.Second, cfg.Chain.WaitTimeout)
	assert.Equal(t, "@every 30s", cfg.Listings.RefreshSchedule)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched keys keep their defaults.
	assert.Equal(t, int32(18), cfg.Contracts.TokenDecimals)
	assert.Equal(t, 16, cfg.Listings.FetchConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Chain.PollInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "carmarket.yaml", `
contracts:
  listings_hash: "`+listingsHash+`"
  token_hash: "`+tokenHash+`"
wallet:
  path: /etc/carmarket/wallet.json
`)
	t.Setenv("CARMARKET_HTTP_ADDR", ":7000")
	t.Setenv("CARMARKET_WALLET_PASSPHRASE", "secret")
	t.Setenv("CARMARKET_FETCH_CONCURRENCY", "4")
	t.Setenv("CARMARKET_TX_POLL_INTERVAL", "500ms")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Wallet.Passphrase)
	assert.Equal(t, "/etc/carmarket/wallet.json", cfg.Wallet.Path)
	assert.Equal(t, 4, cfg.Listings.FetchConcurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Chain.PollInterval)
}

func TestLoad_DotEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "CARMARKET_LISTINGS_HASH="+listingsHash+"\nCARMARKET_TOKEN_HASH="+tokenHash+"\n")
	t.Cleanup(func() {
		os.Unsetenv("CARMARKET_LISTINGS_HASH")
		os.Unsetenv("CARMARKET_TOKEN_HASH")
	})

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, listingsHash, cfg.Contracts.ListingsHash)
	assert.Equal(t, tokenHash, cfg.Contracts.TokenHash)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.ErrorContains(t, err, "failed to read config")

	bad := writeFile(t, "bad.yaml", "server: [")
	_, err = Load(bad, "")
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "failed to load env file")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contracts.listings_hash is required")
	assert.Contains(t, err.Error(), "contracts.token_hash is required")

	cfg.Contracts.ListingsHash = listingsHash
	cfg.Contracts.TokenHash = tokenHash
	require.NoError(t, cfg.Validate())

	cfg.Listings.FetchConcurrency = 0
	cfg.Contracts.TokenDecimals = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch_concurrency")
	assert.Contains(t, err.Error(), "token_decimals")
}

func TestValidate_WriteTimeoutCoversPurchase(t *testing.T) {
	cfg := Default()
	cfg.Contracts.ListingsHash = listingsHash
	cfg.Contracts.TokenHash = tokenHash
	require.NoError(t, cfg.Validate())
	assert.GreaterOrEqual(t, cfg.Server.WriteTimeout, 2*cfg.Chain.WaitTimeout+cfg.Listings.RefreshTimeout)

	cfg.Server.WriteTimeout = 3 * time.Minute
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.write_timeout")

	cfg.Chain.WaitTimeout = time.Minute
	cfg.Listings.RefreshTimeout = 30 * time.Second
	require.NoError(t, cfg.Validate())

	// Zero disables the server write deadline.
	cfg.Server.WriteTimeout = 0
	require.NoError(t, cfg.Validate())
}
