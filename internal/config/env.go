package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Env is the process configuration taken from the environment (and .env).
type Env struct {
	DatabaseURL    string
	RedisURL       string
	Port           string
	ClerkSecretKey string
	ClerkWebhook   string
	MetricsUser    string
	MetricsPass    string
	AdminUser      string
	AdminPass      string
	ProgramConfig  string
	LogLevel       string
	AppEnv         string

	TellerBaseURL     string
	TellerAccessToken string
	ChainRPCURL       string
	SettlementURL     string
	SettlementToken   string
	FCMCredentials    string
	FCMCredentialFile string
}

// LoadEnv reads .env if present and then the process environment.
func LoadEnv() (Env, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	env := Env{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		Port:              getenv("PORT", "3333"),
		ClerkSecretKey:    os.Getenv("CLERK_SECRET_KEY"),
		ClerkWebhook:      os.Getenv("CLERK_WEBHOOK_SECRET"),
		MetricsUser:       os.Getenv("METRICS_USER"),
		MetricsPass:       os.Getenv("METRICS_PASS"),
		AdminUser:         os.Getenv("ADMIN_USER"),
		AdminPass:         os.Getenv("ADMIN_PASS"),
		ProgramConfig:     getenv("PROGRAM_CONFIG", "config/program.yaml"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		AppEnv:            getenv("APP_ENV", "development"),
		TellerBaseURL:     os.Getenv("TELLER_BASE_URL"),
		TellerAccessToken: os.Getenv("TELLER_ACCESS_TOKEN"),
		ChainRPCURL:       os.Getenv("CHAIN_RPC_URL"),
		SettlementURL:     os.Getenv("SETTLEMENT_URL"),
		SettlementToken:   os.Getenv("SETTLEMENT_TOKEN"),
		FCMCredentials:    os.Getenv("FCM_SERVICE_ACCOUNT_JSON"),
		FCMCredentialFile: getenv("FCM_CREDENTIALS_FILE", "./serviceAccountKey.json"),
	}

	required := map[string]string{
		"DATABASE_URL":     env.DatabaseURL,
		"REDIS_URL":        env.RedisURL,
		"CLERK_SECRET_KEY": env.ClerkSecretKey,
	}
	for name, v := range required {
		if v == "" {
			return env, fmt.Errorf("%w: %s environment variable is not set", ErrInvalidConfig, name)
		}
	}
	return env, nil
}

func (e Env) Production() bool {
	return e.AppEnv == "production"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
