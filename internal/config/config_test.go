package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federated-storage/storage-market/internal/registry"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, filepath.Join("data", "market.db"), cfg.Database.Path)
	assert.Equal(t, registry.DefaultParams(), cfg.Market.Params)
	assert.Equal(t, filepath.Join("data", "identity.key"), cfg.Provider.KeyFile)
	assert.Equal(t, filepath.Join("data", "chunks"), cfg.Provider.ChunkDir)
}

func TestConfig_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.toml")

	cfg := DefaultConfig()
	cfg.Market.Admin = "12D3KooWadmin"
	cfg.Market.Treasury = "12D3KooWtreasury"
	cfg.Market.Whitelist = []string{"12D3KooWeva"}
	cfg.Market.Params.MaxProviders = 3
	cfg.JWT.Secret = "secret"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.NoError(t, loaded.Validate())
}

func TestLoad_PartialParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.toml")
	cfg := &Config{}
	cfg.Market.Params.MinStorageFee = 5
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.Market.Params.MinStorageFee)
	assert.Equal(t, registry.DefaultParams().MaxProviders, loaded.Market.Params.MaxProviders)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("MARKET_DATABASE_DRIVER", DriverPostgres)
	t.Setenv("MARKET_DATABASE_URL", "postgres://localhost/market")
	t.Setenv("MARKET_SERVER_PORT", "9090")
	t.Setenv("MARKET_JWT_SECRET", "from-env")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/market", cfg.Database.URL)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
		{name: "postgres without url", mutate: func(c *Config) { c.Database.Driver = DriverPostgres }, wantErr: true},
		{name: "no secret", mutate: func(c *Config) { c.JWT.Secret = "" }, wantErr: true},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: true},
		{name: "fee rate too high", mutate: func(c *Config) { c.Market.Params.TreasuryFeeRate = 10001 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.JWT.Secret = "secret"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_EnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{}
	cfg.Provider.DataDir = filepath.Join(dir, "data")
	cfg.Database.Path = filepath.Join(dir, "db", "market.db")
	cfg.SetDefaults()

	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, cfg.Provider.ChunkDir)
	assert.DirExists(t, filepath.Join(dir, "db"))
}

func TestLogConfig_SetupLogging(t *testing.T) {
	assert.NoError(t, LogConfig{Level: "debug", Format: "json"}.SetupLogging())
	assert.Error(t, LogConfig{Level: "loud"}.SetupLogging())
}
