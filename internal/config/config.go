// Package config loads service configuration from defaults, an optional
// YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Directions DirectionsConfig `mapstructure:"directions"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Webhooks   WebhooksConfig   `mapstructure:"webhooks"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	AllowOrigins string        `mapstructure:"allow_origins"`
	RateRPS      float64       `mapstructure:"rate_rps"`
	RateBurst    int           `mapstructure:"rate_burst"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	Mode       string `mapstructure:"mode"` // dev, hmac, jwks
	HMACSecret string `mapstructure:"hmac_secret"`
	JWKSURL    string `mapstructure:"jwks_url"`
	UserClaim  string `mapstructure:"user_claim"`
	RoleClaim  string `mapstructure:"role_claim"`
}

type StoreConfig struct {
	DatabaseURL   string `mapstructure:"database_url"`
	Migrate       bool   `mapstructure:"migrate"`
	MigrationsDir string `mapstructure:"migrations_dir"`
	SeedFile      string `mapstructure:"seed_file"`
	SeedDemo      bool   `mapstructure:"seed_demo"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// RegistryConfig points at the upstream device backend. An empty BaseURL
// means devices come from the local store.
type RegistryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Stream  bool          `mapstructure:"stream"`
}

type DirectionsConfig struct {
	Provider     string        `mapstructure:"provider"` // google, osrm, straight
	GoogleAPIKey string        `mapstructure:"google_api_key"`
	GoogleURL    string        `mapstructure:"google_url"`
	OSRMURL      string        `mapstructure:"osrm_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateRPS      float64       `mapstructure:"rate_rps"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	SimplifyDeg  float64       `mapstructure:"simplify_deg"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

type JobsConfig struct {
	PruneSpec      string        `mapstructure:"prune_spec"`
	RouteRetention time.Duration `mapstructure:"route_retention"`
}

// WebhooksConfig lists endpoints that receive signed copies of broker
// events. URLs and Events are comma separated.
type WebhooksConfig struct {
	URLs        string        `mapstructure:"urls"`
	Secret      string        `mapstructure:"secret"`
	Events      string        `mapstructure:"events"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SplitList splits a comma separated setting, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allow_origins", "*")
	v.SetDefault("server.rate_rps", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.mode", "dev")
	v.SetDefault("auth.user_claim", "sub")
	v.SetDefault("auth.role_claim", "role")
	v.SetDefault("store.migrate", true)
	v.SetDefault("store.migrations_dir", "db/migrations")
	v.SetDefault("store.seed_demo", true)
	v.SetDefault("registry.timeout", 10*time.Second)
	v.SetDefault("registry.stream", true)
	v.SetDefault("directions.provider", "straight")
	v.SetDefault("directions.google_url", "https://maps.googleapis.com/maps/api/directions/json")
	v.SetDefault("directions.osrm_url", "http://localhost:5000")
	v.SetDefault("directions.timeout", 15*time.Second)
	v.SetDefault("directions.rate_rps", 5.0)
	v.SetDefault("directions.cache_ttl", 10*time.Minute)
	v.SetDefault("kafka.topic", "bin-readings")
	v.SetDefault("kafka.group_id", "ecoroute")
	v.SetDefault("jobs.prune_spec", "@hourly")
	v.SetDefault("jobs.route_retention", 7*24*time.Hour)
	v.SetDefault("webhooks.events", "route.ready,route.failed")
	v.SetDefault("webhooks.max_attempts", 10)
	v.SetDefault("webhooks.timeout", 5*time.Second)
}

// Load reads .env (if present), then configPath or configs/config.yaml,
// then ECOROUTE_* environment variables.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("ECOROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// unprefixed names kept for compatibility with existing deployments
	_ = v.BindEnv("store.database_url", "ECOROUTE_STORE_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.url", "ECOROUTE_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("server.port", "ECOROUTE_SERVER_PORT", "PORT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(configPath == "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	cfg.Directions.Provider = strings.ToLower(strings.TrimSpace(cfg.Directions.Provider))
	return &cfg, nil
}

// Path returns ECOROUTE_CONFIG, or configs/config.yaml when it exists, or "".
func Path() string {
	if p := os.Getenv("ECOROUTE_CONFIG"); p != "" {
		return p
	}
	p := filepath.Join("configs", "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

// NewLogger builds the process logger from the log section.
func (c LogConfig) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if c.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		logger.Warnf("invalid log level %q, using info", c.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// Summary lists non-secret settings for diagnostics.
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"port":               c.Server.Port,
		"authMode":           c.Auth.Mode,
		"allowOrigins":       c.Server.AllowOrigins,
		"rateRps":            c.Server.RateRPS,
		"rateBurst":          c.Server.RateBurst,
		"directionsProvider": c.Directions.Provider,
		"registry":           c.Registry.BaseURL,
		"hasDatabaseUrl":     c.Store.DatabaseURL != "",
		"hasRedisUrl":        c.Redis.URL != "",
		"kafkaTopic":         c.Kafka.Topic,
		"kafkaEnabled":       c.Kafka.Brokers != "",
		"webhookEndpoints":   len(SplitList(c.Webhooks.URLs)),
	}
}
