package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"github.com/federated-storage/storage-market/internal/registry"
)

// EnvPrefix prefixes the environment variables read by ApplyEnv.
const EnvPrefix = "MARKET"

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration for the market host and the provider CLI
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Market   MarketConfig   `toml:"market"`
	Log      LogConfig      `toml:"log"`
	JWT      JWTConfig      `toml:"jwt"`
	Provider ProviderConfig `toml:"provider"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`
	WriteTimeout int    `toml:"write_timeout"`
	// MaxClockSkew bounds the age of a signed request, in seconds.
	MaxClockSkew int `toml:"max_clock_skew"`
}

// DatabaseConfig selects and locates the order store
type DatabaseConfig struct {
	Driver         string `toml:"driver"`
	URL            string `toml:"url"`
	Path           string `toml:"path"`
	MigrationsPath string `toml:"migrations_path"`
}

// MarketConfig bootstraps the registry the first time the host starts.
// Later changes go through the admin API.
type MarketConfig struct {
	Admin     string          `toml:"admin"`
	Treasury  string          `toml:"treasury"`
	Whitelist []string        `toml:"whitelist"`
	Params    registry.Params `toml:"params"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// JWTConfig holds admin token settings
type JWTConfig struct {
	Secret          string `toml:"secret"`
	ExpirationHours int    `toml:"expiration_hours"`
}

// ProviderConfig holds settings of the provider CLI
type ProviderConfig struct {
	APIURL  string `toml:"api_url"`
	KeyFile string `toml:"key_file"`
	DataDir string `toml:"data_dir"`
	// ChunkDir holds copies of the files being served.
	ChunkDir string `toml:"chunk_dir"`
	// ProveInterval is how often the daemon submits proofs, in seconds.
	ProveInterval int `toml:"prove_interval"`
}

// Load loads configuration from TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}

	// Set defaults
	config.SetDefaults()

	return &config, nil
}

// LoadOrDefault loads path if it exists and falls back to the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &Config{}
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
		cfg.SetDefaults()
		return cfg, nil
	}
	return Load(path)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Save saves configuration to TOML file
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// EnsureDirs creates necessary directories
func (c *Config) EnsureDirs() error {
	dirs := []string{c.Provider.DataDir, c.Provider.ChunkDir}
	if c.Database.Driver == DriverSQLite {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SetDefaults sets default values for config
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Server.MaxClockSkew == 0 {
		c.Server.MaxClockSkew = 300
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join("data", "market.db")
	}
	c.Market.Params = mergeParams(c.Market.Params, registry.DefaultParams())
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "color"
	}
	if c.JWT.ExpirationHours == 0 {
		c.JWT.ExpirationHours = 24
	}
	if c.Provider.APIURL == "" {
		c.Provider.APIURL = "http://127.0.0.1:8080"
	}
	if c.Provider.DataDir == "" {
		c.Provider.DataDir = "data"
	}
	if c.Provider.KeyFile == "" {
		c.Provider.KeyFile = filepath.Join(c.Provider.DataDir, "identity.key")
	}
	if c.Provider.ChunkDir == "" {
		c.Provider.ChunkDir = filepath.Join(c.Provider.DataDir, "chunks")
	}
	if c.Provider.ProveInterval == 0 {
		c.Provider.ProveInterval = 600
	}
}

// mergeParams fills zero fields of p from def.
func mergeParams(p, def registry.Params) registry.Params {
	for _, key := range registry.ParamKeys {
		if v, _ := p.Get(key); v != 0 {
			continue
		}
		dv, _ := def.Get(key)
		p, _ = p.With(key, dv)
	}
	return p
}

// Validate reports every problem with the host configuration.
func (c *Config) Validate() error {
	var result *multierror.Error
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			result = multierror.Append(result, fmt.Errorf("database.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			result = multierror.Append(result, fmt.Errorf("database.url is required for postgres"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid server port %d", c.Server.Port))
	}
	if c.JWT.Secret == "" {
		result = multierror.Append(result, fmt.Errorf("jwt.secret is required"))
	}
	if err := c.Market.Params.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// env lists the settings that can be overridden from the environment,
// e.g. MARKET_DATABASE_URL.
type env struct {
	ServerHost     string `envconfig:"SERVER_HOST"`
	ServerPort     int    `envconfig:"SERVER_PORT"`
	DatabaseDriver string `envconfig:"DATABASE_DRIVER"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	DatabasePath   string `envconfig:"DATABASE_PATH"`
	JWTSecret      string `envconfig:"JWT_SECRET"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	APIURL         string `envconfig:"API_URL"`
	KeyFile        string `envconfig:"KEY_FILE"`
}

// ApplyEnv overrides settings from MARKET_* environment variables.
func (c *Config) ApplyEnv() error {
	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	setString(&c.Server.Host, e.ServerHost)
	if e.ServerPort != 0 {
		c.Server.Port = e.ServerPort
	}
	setString(&c.Database.Driver, e.DatabaseDriver)
	setString(&c.Database.URL, e.DatabaseURL)
	setString(&c.Database.Path, e.DatabasePath)
	setString(&c.JWT.Secret, e.JWTSecret)
	setString(&c.Log.Level, e.LogLevel)
	setString(&c.Provider.APIURL, e.APIURL)
	setString(&c.Provider.KeyFile, e.KeyFile)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
