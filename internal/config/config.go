package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	AppEnv                 string
	DatabaseURL            string
	MigrateOnStart         bool
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	BrokerCacheTTLSeconds  int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	OwnerPIN               string
	BootstrapOwnerPassword string
	LogLevel               string
	LogFormat              string
}

// Load reads configuration from environment variables, falling back to an
// optional config.yaml in the working directory and then to built-in
// defaults. Secrets have no defaults; startup validation rejects them empty.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetDefault("port", "8080")
	v.SetDefault("allowed_origin", "http://127.0.0.1:3000")
	v.SetDefault("app_env", "development")
	v.SetDefault("migrate_on_start", true)
	v.SetDefault("redis_db", 0)
	v.SetDefault("broker_cache_ttl_seconds", 60)
	v.SetDefault("access_token_ttl_minutes", 480)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"database_url", "redis_addr", "redis_password", "auth_secret", "owner_pin", "bootstrap_owner_password"} {
		_ = v.BindEnv(key)
	}

	cfg := Config{
		Port:                   v.GetString("port"),
		AllowedOrigin:          v.GetString("allowed_origin"),
		AppEnv:                 v.GetString("app_env"),
		DatabaseURL:            strings.TrimSpace(v.GetString("database_url")),
		MigrateOnStart:         v.GetBool("migrate_on_start"),
		RedisAddr:              strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:          v.GetString("redis_password"),
		RedisDB:                v.GetInt("redis_db"),
		BrokerCacheTTLSeconds:  v.GetInt("broker_cache_ttl_seconds"),
		AuthSecret:             strings.TrimSpace(v.GetString("auth_secret")),
		AccessTokenTTLMinutes:  v.GetInt("access_token_ttl_minutes"),
		OwnerPIN:               strings.TrimSpace(v.GetString("owner_pin")),
		BootstrapOwnerPassword: v.GetString("bootstrap_owner_password"),
		LogLevel:               v.GetString("log_level"),
		LogFormat:              v.GetString("log_format"),
	}

	if cfg.BrokerCacheTTLSeconds < 1 {
		cfg.BrokerCacheTTLSeconds = 60
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) BrokerCacheTTL() time.Duration {
	return time.Duration(c.BrokerCacheTTLSeconds) * time.Second
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}
