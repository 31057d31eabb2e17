package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Env     string `mapstructure:"env"`
	Log     LogConfig
	Poly    VenueConfig
	Kalshi  KalshiConfig
	Linkage LinkageConfig
	Feature FeatureConfig
	Collect CollectConfig
	Monitor MonitorConfig
	DB      DBConfig
	Redis   RedisConfig
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
	Output string `mapstructure:"output"` // stdout, stderr, or a file path
}

// VenueConfig holds the connection settings for one venue feed.
type VenueConfig struct {
	WSURL   string   `mapstructure:"ws_url"`
	Markets []string `mapstructure:"markets"`
}

// KalshiConfig extends VenueConfig with API credentials.
type KalshiConfig struct {
	VenueConfig `mapstructure:",squash"`
	APIKeyID    string `mapstructure:"api_key_id"`
	PrivateKey  string `mapstructure:"private_key"` // PEM, PKCS8
}

// LinkageConfig holds resolver tuning.
type LinkageConfig struct {
	FuzzyThreshold float64       `mapstructure:"fuzzy_threshold"`
	Retention      time.Duration `mapstructure:"retention"`
	MaxPending     int           `mapstructure:"max_pending"`
}

// FeatureConfig holds feature engine tuning.
type FeatureConfig struct {
	Window       time.Duration `mapstructure:"window"`
	Lateness     time.Duration `mapstructure:"lateness"`
	ArbStaleness time.Duration `mapstructure:"arb_staleness"`
}

// CollectConfig holds collector tuning.
type CollectConfig struct {
	// Cadence is the per-market snapshot rate in snapshots per second.
	Cadence float64 `mapstructure:"cadence"`
	Burst   int     `mapstructure:"burst"`
}

// MonitorConfig holds supervisor tuning.
type MonitorConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	MissedChecks  int           `mapstructure:"missed_checks"`
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads configuration from environment variables prefixed with
// COURTSIDE_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COURTSIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	// Venue defaults
	v.SetDefault("poly.ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("kalshi.ws_url", "wss://api.elections.kalshi.com/trade-api/ws/v2")

	// Linkage defaults
	v.SetDefault("linkage.fuzzy_threshold", 0.85)
	v.SetDefault("linkage.retention", "10m")
	v.SetDefault("linkage.max_pending", 600)

	// Feature defaults
	v.SetDefault("feature.window", "1s")
	v.SetDefault("feature.lateness", "2s")
	v.SetDefault("feature.arb_staleness", "5s")

	// Collector defaults
	v.SetDefault("collect.cadence", 1.0)
	v.SetDefault("collect.burst", 1)

	// Supervisor defaults
	v.SetDefault("monitor.check_interval", "5s")
	v.SetDefault("monitor.missed_checks", 3)

	// DB defaults
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "courtside")
	v.SetDefault("db.password", "courtside")
	v.SetDefault("db.dbname", "courtside")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.pool_size", 8)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
		Output: v.GetString("log.output"),
	}

	cfg.Poly = VenueConfig{
		WSURL:   v.GetString("poly.ws_url"),
		Markets: v.GetStringSlice("poly.markets"),
	}

	cfg.Kalshi = KalshiConfig{
		VenueConfig: VenueConfig{
			WSURL:   v.GetString("kalshi.ws_url"),
			Markets: v.GetStringSlice("kalshi.markets"),
		},
		APIKeyID:   v.GetString("kalshi.api_key_id"),
		PrivateKey: v.GetString("kalshi.private_key"),
	}

	cfg.Linkage = LinkageConfig{
		FuzzyThreshold: v.GetFloat64("linkage.fuzzy_threshold"),
		Retention:      v.GetDuration("linkage.retention"),
		MaxPending:     v.GetInt("linkage.max_pending"),
	}

	cfg.Feature = FeatureConfig{
		Window:       v.GetDuration("feature.window"),
		Lateness:     v.GetDuration("feature.lateness"),
		ArbStaleness: v.GetDuration("feature.arb_staleness"),
	}

	cfg.Collect = CollectConfig{
		Cadence: v.GetFloat64("collect.cadence"),
		Burst:   v.GetInt("collect.burst"),
	}

	cfg.Monitor = MonitorConfig{
		CheckInterval: v.GetDuration("monitor.check_interval"),
		MissedChecks:  v.GetInt("monitor.missed_checks"),
	}

	cfg.DB = DBConfig{
		Host:     v.GetString("db.host"),
		Port:     v.GetInt("db.port"),
		User:     v.GetString("db.user"),
		Password: v.GetString("db.password"),
		DBName:   v.GetString("db.dbname"),
		SSLMode:  v.GetString("db.sslmode"),
		PoolSize: v.GetInt("db.pool_size"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	return cfg, nil
}
