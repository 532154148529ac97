package config // package config loads application configuration from environment variables

import (
	"log"  // log is used to report configuration errors and halt execution
	"os"   // os provides access to environment variables
	"time" // time parses the hub's duration tunables
)

// Config holds all runtime configuration values. Each field corresponds
// to an environment variable. Required values are enforced by must()
// and missing ones abort startup; hub timings fall back to the design
// defaults when unset.
type Config struct {
	Env       string // application environment (e.g. "dev", "prod")
	Port      string // HTTP port to listen on
	DBUser    string // database username
	DBPass    string // database password (optional)
	DBHost    string // database host address
	DBPort    string // database port number
	DBName    string // database name
	JWTSecret string // secret used to verify access tokens issued by the identity service

	// Hub timings and limits. The defaults are the design values:
	// typing indicators naturally expire after 10s with a 5s hard
	// ceiling, the reconciliation sweep runs every 60s, and disconnect
	// cleanup is deferred 30s to tolerate fast reconnects.
	TypingExpiry    time.Duration // TYPING_EXPIRY
	TypingCeiling   time.Duration // TYPING_CEILING
	SweepInterval   time.Duration // TYPING_SWEEP_INTERVAL
	DisconnectGrace time.Duration // DISCONNECT_GRACE

	MaxMessageBytes    int // MAX_MESSAGE_BYTES, upper bound on message content
	RecentMessageLimit int // RECENT_MESSAGE_LIMIT, messages sent with RoomJoined
	HistoryMaxLimit    int // HISTORY_MAX_LIMIT, cap on a history page
}

// Load reads configuration values from environment variables and
// returns a Config. Required variables cause a fatal log message when
// missing; tunables use their defaults.
func Load() Config {
	return Config{
		Env:       must("APP_ENV"),      // environment (dev/test/prod)
		Port:      must("APP_PORT"),     // port to bind the HTTP server
		DBUser:    must("DB_USER"),      // database user
		DBPass:    os.Getenv("DB_PASS"), // database password (empty allowed)
		DBHost:    must("DB_HOST"),      // database host
		DBPort:    must("DB_PORT"),      // database port
		DBName:    must("DB_NAME"),      // database name
		JWTSecret: must("JWT_SECRET"),   // secret for verifying JWTs

		TypingExpiry:    envDur("TYPING_EXPIRY", 10*time.Second),
		TypingCeiling:   envDur("TYPING_CEILING", 5*time.Second),
		SweepInterval:   envDur("TYPING_SWEEP_INTERVAL", 60*time.Second),
		DisconnectGrace: envDur("DISCONNECT_GRACE", 30*time.Second),

		MaxMessageBytes:    envInt("MAX_MESSAGE_BYTES", 4096),
		RecentMessageLimit: envInt("RECENT_MESSAGE_LIMIT", 50),
		HistoryMaxLimit:    envInt("HISTORY_MAX_LIMIT", 200),
	}
}

// must retrieves the value of a required environment variable. If the
// variable is unset or empty, the application logs a fatal error and
// exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}
