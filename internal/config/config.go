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
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the escrow service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string  `mapstructure:"SERVER_PORT"`
	DatabaseURL            string  `mapstructure:"DATABASE_URL"`
	RedisURL               string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix   string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL            string  `mapstructure:"RABBITMQ_URL"`
	ProcessorEventQueue    string  `mapstructure:"PROCESSOR_EVENT_QUEUE"`
	ProcessorAPIBaseURL    string  `mapstructure:"PROCESSOR_API_BASE_URL"`
	ProcessorAPIKey        string  `mapstructure:"PROCESSOR_API_KEY"`
	ProcessorWebhookSecret string  `mapstructure:"PROCESSOR_WEBHOOK_SECRET"`
	AuthJWKSURL            string  `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience           string  `mapstructure:"AUTH_AUDIENCE"`
	AuthIssuer             string  `mapstructure:"AUTH_ISSUER"`
	PlatformFeePercent     float64 `mapstructure:"PLATFORM_FEE_PERCENT"`
	OnboardingReturnURL    string  `mapstructure:"ONBOARDING_RETURN_URL"`
	OnboardingRefreshURL   string  `mapstructure:"ONBOARDING_REFRESH_URL"`
	FundingRateLimit       int     `mapstructure:"FUNDING_RATE_LIMIT_PER_MINUTE"`
	ReconcileCron          string  `mapstructure:"RECONCILE_CRON"`
	ReconcileBatchSize     int     `mapstructure:"RECONCILE_BATCH_SIZE"`
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
	viper.SetDefault("PROCESSOR_EVENT_QUEUE", "escrow_service.processor_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "escrow:rate_limit")
	viper.SetDefault("PLATFORM_FEE_PERCENT", 15.0)
	viper.SetDefault("FUNDING_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("RECONCILE_CRON", "*/5 * * * *")
	viper.SetDefault("RECONCILE_BATCH_SIZE", 100)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PROCESSOR_EVENT_QUEUE")
	_ = viper.BindEnv("PROCESSOR_API_BASE_URL")
	_ = viper.BindEnv("PROCESSOR_API_KEY")
	_ = viper.BindEnv("PROCESSOR_WEBHOOK_SECRET")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENTAGE")
	_ = viper.BindEnv("ONBOARDING_RETURN_URL")
	_ = viper.BindEnv("ONBOARDING_REFRESH_URL")
	_ = viper.BindEnv("FUNDING_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECONCILE_CRON")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")

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
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "escrow:rate_limit"
	}

	// Allow specifying the fee via PLATFORM_FEE_PERCENTAGE as an alias.
	if viper.IsSet("PLATFORM_FEE_PERCENTAGE") {
		percentStr := strings.TrimSpace(viper.GetString("PLATFORM_FEE_PERCENTAGE"))
		if percentStr != "" {
			percentValue, parseErr := strconv.ParseFloat(percentStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid PLATFORM_FEE_PERCENTAGE\" value=%q err=%v", percentStr, parseErr)
			} else {
				config.PlatformFeePercent = percentValue
			}
		}
	}

	if config.PlatformFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative platform fee percent configured; coercing to zero\" fee_percent=%f", config.PlatformFeePercent)
		config.PlatformFeePercent = 0
	}
	if config.PlatformFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"platform fee percent too high; capping at 100\" fee_percent=%f", config.PlatformFeePercent)
		config.PlatformFeePercent = 100
	}

	if config.FundingRateLimit < 0 {
		config.FundingRateLimit = 0
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 100
	}
	if strings.TrimSpace(config.ReconcileCron) == "" {
		config.ReconcileCron = "*/5 * * * *"
	}

	return
}
