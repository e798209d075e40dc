package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the process-level configuration, injected into constructors at
// startup. Business code never reads the environment directly.
type Settings struct {
	Workspace              string
	LogLevel               string
	JWTSecret              string
	AllowLegacyActorHeader bool
	DevLogin               bool
	BrokerBaseURL          string
	BrokerKeyID            string
	BrokerSecretKey        string
	GeminiAPIKey           string
	GeminiModel            string
	WorkerInterval         time.Duration
}

// NewViper returns a viper instance bound to FORGE_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("FORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	v.SetDefault("workspace", ".")
	v.SetDefault("log-level", "info")
	v.SetDefault("broker-base-url", "https://paper-api.alpaca.markets")
	v.SetDefault("gemini-model", "gemini-1.5-flash")
	v.SetDefault("worker-interval", 5*time.Minute)
	return v
}

// LoadSettings reads Settings out of v.
func LoadSettings(v *viper.Viper) Settings {
	return Settings{
		Workspace:              v.GetString("workspace"),
		LogLevel:               v.GetString("log-level"),
		JWTSecret:              v.GetString("jwt-secret"),
		AllowLegacyActorHeader: v.GetBool("allow-legacy-actor-header"),
		DevLogin:               v.GetBool("dev-login"),
		BrokerBaseURL:          v.GetString("broker-base-url"),
		BrokerKeyID:            v.GetString("broker-key-id"),
		BrokerSecretKey:        v.GetString("broker-secret-key"),
		GeminiAPIKey:           v.GetString("gemini-api-key"),
		GeminiModel:            v.GetString("gemini-model"),
		WorkerInterval:         v.GetDuration("worker-interval"),
	}
}
