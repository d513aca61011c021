package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	HubSpot  HubSpotConfig  `mapstructure:"hubspot"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port   int        `mapstructure:"port"`
	Mode   string     `mapstructure:"mode"`
	APIKey string     `mapstructure:"api_key"`
	CORS   CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	URL             string        `mapstructure:"url"`    // postgres DSN
	Path            string        `mapstructure:"path"`   // sqlite file path
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type HubSpotConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIVersion string        `mapstructure:"api_version"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryBase  time.Duration `mapstructure:"retry_base"`
	RetryMax   time.Duration `mapstructure:"retry_max"`
	Rate       RateConfig    `mapstructure:"rate"`
}

// RateConfig expresses the provider quota as requests per sliding window.
// Headroom scales the advertised limit down to absorb jitter.
type RateConfig struct {
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
	Headroom          float64       `mapstructure:"headroom"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
}

type ScanConfig struct {
	BatchSize          int      `mapstructure:"batch_size"`
	Properties         []string `mapstructure:"properties"`
	CheckpointInterval int      `mapstructure:"checkpoint_interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// defaultProperties is the deal property set requested from the CRM when the
// caller does not supply one.
var defaultProperties = []string{
	"dealname",
	"amount",
	"dealstage",
	"dealtype",
	"pipeline",
	"closedate",
	"createdate",
	"hs_lastmodifieddate",
	"hubspot_owner_id",
	"deal_currency_code",
	"num_associated_contacts",
	"num_associated_companies",
	"hs_forecast_amount",
	"hs_forecast_probability",
	"hs_is_closed_won",
	"hs_is_closed_lost",
	"hs_priority",
	"description",
}

// DefaultProperties returns a copy of the default deal property request list.
// Parameters: none.
// Returns:
//   - []string: property names requested from the CRM by default.
func DefaultProperties() []string {
	out := make([]string, len(defaultProperties))
	copy(out, defaultProperties)
	return out
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/deals.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("hubspot.base_url", "https://api.hubapi.com")
	v.SetDefault("hubspot.api_version", "v3")
	v.SetDefault("hubspot.timeout", 30*time.Second)
	v.SetDefault("hubspot.max_retries", 5)
	v.SetDefault("hubspot.retry_base", time.Second)
	v.SetDefault("hubspot.retry_max", 30*time.Second)
	v.SetDefault("hubspot.rate.requests_per_window", 100)
	v.SetDefault("hubspot.rate.window", 10*time.Second)
	v.SetDefault("hubspot.rate.headroom", 0.7)
	v.SetDefault("hubspot.rate.max_wait", time.Minute)
	v.SetDefault("scan.batch_size", 100)
	v.SetDefault("scan.properties", defaultProperties)
	v.SetDefault("scan.checkpoint_interval", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("server.api_key", "API_KEY")
	v.BindEnv("hubspot.base_url", "HUBSPOT_BASE_URL")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.file", "LOG_FILE")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DSN returns the connection string for the configured driver.
// Parameters: none.
// Returns:
//   - string: driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return c.URL
	}
	return c.Path
}
