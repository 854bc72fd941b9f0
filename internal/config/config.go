package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr    string
	PostgresDSN string // empty selects the in-memory ledger
	RedisAddr   string // empty selects the in-memory dedup store
	AppEnv      string
	LogLevel    string
	JWTSecret   string
	Operators   []string // usernames allowed to run warehouse and admin actions

	KafkaBrokers    []string
	EventsTopic     string
	NotifierGroup   string
	NotifierWorkers int

	MatchMaxAttempts int
	PaymentWindow    time.Duration
	ShipWindow       time.Duration
	ReceiveWindow    time.Duration
	SweepInterval    time.Duration
	RelayInterval    time.Duration
	RelistOnFailure  bool
}

func Load() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		PostgresDSN: getenv("POSTGRES_DSN", ""),
		RedisAddr:   getenv("REDIS_ADDR", ""),
		AppEnv:      getenv("APP_ENV", "development"),
		LogLevel:    getenv("LOG_LEVEL", ""),
		JWTSecret:   getenv("JWT_SECRET", "my-secret-key"),
		Operators:   splitCSV(getenv("OPERATORS", "")),

		KafkaBrokers:    splitCSV(getenv("KAFKA_BROKERS", "")),
		EventsTopic:     getenv("EVENTS_TOPIC", "resale.events"),
		NotifierGroup:   getenv("NOTIFIER_GROUP", "resale-notifier"),
		NotifierWorkers: getint("NOTIFIER_WORKERS", 4),

		MatchMaxAttempts: getint("MATCH_MAX_ATTEMPTS", 3),
		PaymentWindow:    getduration("PAYMENT_WINDOW", 24*time.Hour),
		ShipWindow:       getduration("SHIP_WINDOW", 72*time.Hour),
		ReceiveWindow:    getduration("RECEIVE_WINDOW", 7*24*time.Hour),
		SweepInterval:    getduration("SWEEP_INTERVAL", time.Minute),
		RelayInterval:    getduration("RELAY_INTERVAL", 500*time.Millisecond),
		RelistOnFailure:  getbool("RELIST_ON_FAILURE", true),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil && n > 0 {
		return n
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(k)); err == nil && d > 0 {
		return d
	}
	return def
}

func getbool(k string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(k)); err == nil {
		return b
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
