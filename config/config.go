package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfig holds all configuration for the gateway auth core.
// Tags use mapstructure for Viper unmarshalling; every key can also be set
// through the environment (dots replaced by underscores).
type ServerConfig struct {
	HTTPPort  string `mapstructure:"HTTP_PORT"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Device session store backend: "redis", "mongo" or "memory".
	StoreBackend  string `mapstructure:"STORE_BACKEND"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDBName   string `mapstructure:"MONGO_DB_NAME"`

	// External identity provider.
	IdPIssuer        string `mapstructure:"IDP_ISSUER"`
	IdPAudience      string `mapstructure:"IDP_AUDIENCE"`
	IdPJWKSEndpoint  string `mapstructure:"IDP_JWKS_ENDPOINT"`
	IdPTokenEndpoint string `mapstructure:"IDP_TOKEN_ENDPOINT"`

	// Device authorization grant.
	VerificationBaseURI   string `mapstructure:"VERIFICATION_BASE_URI"`
	DeviceSessionTTLSec   int    `mapstructure:"DEVICE_SESSION_TTL_SEC"`
	DevicePollIntervalSec int    `mapstructure:"DEVICE_POLL_INTERVAL_SEC"`
	DeviceSlowDownAfter   int    `mapstructure:"DEVICE_SLOW_DOWN_AFTER"`

	JWKSCacheTTLSec int `mapstructure:"JWKS_CACHE_TTL_SEC"`
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/weargate/")
	v.AddConfigPath("$HOME/.weargate")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("OTEL_SERVICE_NAME", "weargate-authcore")
	v.SetDefault("STORE_BACKEND", "redis")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/weargate")
	v.SetDefault("MONGO_DB_NAME", "weargate")
	v.SetDefault("IDP_ISSUER", "http://localhost:8180/realms/weargate")
	v.SetDefault("IDP_AUDIENCE", "weargate-gateway")
	v.SetDefault("VERIFICATION_BASE_URI", "http://localhost:8080")
	v.SetDefault("DEVICE_SESSION_TTL_SEC", 1800)
	v.SetDefault("DEVICE_POLL_INTERVAL_SEC", 5)
	v.SetDefault("DEVICE_SLOW_DOWN_AFTER", 10)
	v.SetDefault("JWKS_CACHE_TTL_SEC", 300)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	// Keycloak-style defaults derived from the issuer when not set explicitly.
	if cfg.IdPJWKSEndpoint == "" {
		cfg.IdPJWKSEndpoint = cfg.IdPIssuer + "/protocol/openid-connect/certs"
	}
	if cfg.IdPTokenEndpoint == "" {
		cfg.IdPTokenEndpoint = cfg.IdPIssuer + "/protocol/openid-connect/token"
	}

	return &cfg, nil
}
