/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the economy-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix    string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	GatewayEventQueue       string `mapstructure:"GATEWAY_EVENT_QUEUE"`
	GatewayAPIBaseURL       string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey           string `mapstructure:"GATEWAY_API_KEY"`
	JWKSURL                 string `mapstructure:"JWKS_URL"`
	CatalogServiceURL       string `mapstructure:"CATALOG_SERVICE_URL"`
	CatalogInternalAPIKey   string `mapstructure:"CATALOG_SERVICE_INTERNAL_API_KEY"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	AwardRateLimitPerMinute int    `mapstructure:"AWARD_RATE_LIMIT_PER_MINUTE"`
	ConflictRetryAttempts   int    `mapstructure:"CONFLICT_RETRY_ATTEMPTS"`
	ConflictRetryBackoffMs  int    `mapstructure:"CONFLICT_RETRY_BACKOFF_MS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("GATEWAY_EVENT_QUEUE", "economy_service.gateway_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "economy:rate_limit")
	viper.SetDefault("AWARD_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("CONFLICT_RETRY_ATTEMPTS", 3)
	viper.SetDefault("CONFLICT_RETRY_BACKOFF_MS", 50)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ECONOMY_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("GATEWAY_EVENT_QUEUE")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("CATALOG_SERVICE_URL")
	_ = viper.BindEnv("CATALOG_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "ECONOMY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("AWARD_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CONFLICT_RETRY_ATTEMPTS")
	_ = viper.BindEnv("CONFLICT_RETRY_BACKOFF_MS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("ECONOMY_SERVICE_INTERNAL_API_KEY"))
	}
	config.CatalogInternalAPIKey = strings.TrimSpace(config.CatalogInternalAPIKey)
	if config.CatalogInternalAPIKey == "" {
		config.CatalogInternalAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "economy:rate_limit"
	}

	if config.AwardRateLimitPerMinute <= 0 {
		config.AwardRateLimitPerMinute = 30
	}
	if config.ConflictRetryAttempts <= 0 {
		config.ConflictRetryAttempts = 3
	}
	if config.ConflictRetryBackoffMs <= 0 {
		config.ConflictRetryBackoffMs = 50
	}

	return
}
