/**
 * @description
 * This package handles the configuration management for the billing-service.
 * It uses the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application settings.
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

// Config holds all the configuration variables for the billing-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	BillingEventsExchange     string `mapstructure:"BILLING_EVENTS_EXCHANGE"`
	ActivationQueue           string `mapstructure:"ACTIVATION_QUEUE"`
	ReceiptQueue              string `mapstructure:"RECEIPT_QUEUE"`
	FlutterwaveBaseURL        string `mapstructure:"FLUTTERWAVE_BASE_URL"`
	FlutterwaveSecretKey      string `mapstructure:"FLUTTERWAVE_SECRET_KEY"`
	FlutterwaveWebhookHash    string `mapstructure:"FLUTTERWAVE_WEBHOOK_HASH"`
	FrontendOrigin            string `mapstructure:"FRONTEND_ORIGIN"`
	CallbackBaseURL           string `mapstructure:"CALLBACK_BASE_URL"`
	JWTSecret                 string `mapstructure:"JWT_SECRET"`
	SubscriptionPeriodDays    int    `mapstructure:"SUBSCRIPTION_PERIOD_DAYS"`
	SweepSchedule             string `mapstructure:"SWEEP_SCHEDULE"`
	SweepPendingMaxAgeMin     int    `mapstructure:"SWEEP_PENDING_MAX_AGE_MINUTES"`
	SweepBatchLimit           int    `mapstructure:"SWEEP_BATCH_LIMIT"`
	InitializeRateLimitPerMin int    `mapstructure:"INITIALIZE_RATE_LIMIT_PER_MINUTE"`
	SMTPHost                  string `mapstructure:"SMTP_HOST"`
	SMTPPort                  int    `mapstructure:"SMTP_PORT"`
	SMTPUsername              string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword              string `mapstructure:"SMTP_PASSWORD"`
	MailFrom                  string `mapstructure:"MAIL_FROM"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "subpay:rate_limit")
	viper.SetDefault("BILLING_EVENTS_EXCHANGE", "billing.events")
	viper.SetDefault("ACTIVATION_QUEUE", "billing_service.activations")
	viper.SetDefault("RECEIPT_QUEUE", "billing_service.receipts")
	viper.SetDefault("FLUTTERWAVE_BASE_URL", "https://api.flutterwave.com")
	viper.SetDefault("SUBSCRIPTION_PERIOD_DAYS", 30)
	viper.SetDefault("SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("SWEEP_PENDING_MAX_AGE_MINUTES", 30)
	viper.SetDefault("SWEEP_BATCH_LIMIT", 100)
	viper.SetDefault("INITIALIZE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("SMTP_PORT", 587)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("BILLING_EVENTS_EXCHANGE")
	_ = viper.BindEnv("ACTIVATION_QUEUE")
	_ = viper.BindEnv("RECEIPT_QUEUE")
	_ = viper.BindEnv("FLUTTERWAVE_BASE_URL")
	_ = viper.BindEnv("FLUTTERWAVE_SECRET_KEY", "FLUTTERWAVE_SECRET_KEY", "FLW_SECRET_KEY")
	_ = viper.BindEnv("FLUTTERWAVE_WEBHOOK_HASH", "FLUTTERWAVE_WEBHOOK_HASH", "FLW_SECRET_HASH")
	_ = viper.BindEnv("FRONTEND_ORIGIN")
	_ = viper.BindEnv("CALLBACK_BASE_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("SUBSCRIPTION_PERIOD_DAYS")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_PENDING_MAX_AGE_MINUTES")
	_ = viper.BindEnv("SWEEP_BATCH_LIMIT")
	_ = viper.BindEnv("INITIALIZE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("SMTP_HOST")
	_ = viper.BindEnv("SMTP_PORT")
	_ = viper.BindEnv("SMTP_USERNAME")
	_ = viper.BindEnv("SMTP_PASSWORD")
	_ = viper.BindEnv("MAIL_FROM")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	// Platform-provided PORT wins over SERVER_PORT so deployments can rebind.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.FlutterwaveSecretKey = strings.TrimSpace(config.FlutterwaveSecretKey)
	config.FlutterwaveWebhookHash = strings.TrimSpace(config.FlutterwaveWebhookHash)
	config.FrontendOrigin = strings.TrimRight(strings.TrimSpace(config.FrontendOrigin), "/")
	config.CallbackBaseURL = strings.TrimRight(strings.TrimSpace(config.CallbackBaseURL), "/")
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "subpay:rate_limit"
	}

	if config.SubscriptionPeriodDays <= 0 {
		log.Printf("level=warn component=config msg=\"invalid subscription period; using default\" days=%d", config.SubscriptionPeriodDays)
		config.SubscriptionPeriodDays = 30
	}
	if config.SweepPendingMaxAgeMin <= 0 {
		config.SweepPendingMaxAgeMin = 30
	}
	if config.SweepBatchLimit <= 0 {
		config.SweepBatchLimit = 100
	}
	if config.InitializeRateLimitPerMin < 0 {
		config.InitializeRateLimitPerMin = 0
	}

	return
}
