package config

import (
	"os"
	"strings"
)

// Environment constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// GetEnvironment returns the current environment read from
// STOCKLEDGER_SERVER_ENVIRONMENT. Defaults to development.
func GetEnvironment() string {
	env := os.Getenv(EnvPrefix + "_SERVER_ENVIRONMENT")
	if env == "" {
		return EnvDevelopment
	}
	return strings.ToLower(env)
}

// IsProductionLike returns true if running in staging or production.
func IsProductionLike() bool {
	env := GetEnvironment()
	return env == EnvStaging || env == EnvProduction
}
