package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Delivery modes for pushes to the spreadsheet webhook.
const (
	DeliveryConfirmed   = "confirmed"
	DeliveryUnconfirmed = "unconfirmed"
)

// Config holds application configuration values.
type Config struct {
	HTTPPort    string
	DatabaseDSN string

	SheetsURL           string
	SheetsDelivery      string
	SheetsSigningSecret string
	SheetsTimeout       time.Duration
	SyncInterval        time.Duration
	Offline             bool

	Timezone     string
	DiagnosesCSV string
	ExportDir    string
	CORSOrigins  []string

	LogLevel  string
	LogFormat string
	AppName   string
}

// Load reads configuration from environment variables (and an optional .env
// file) with reasonable defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("unable to read .env file: %v", err)
	}

	port := getenv("HTTP_PORT", "8080")
	if _, err := strconv.Atoi(port); err != nil {
		log.Printf("invalid HTTP_PORT value %q, defaulting to 8080", port)
		port = "8080"
	}

	delivery := strings.ToLower(getenv("SHEETS_DELIVERY", DeliveryConfirmed))
	if delivery != DeliveryConfirmed && delivery != DeliveryUnconfirmed {
		log.Printf("invalid SHEETS_DELIVERY value %q, defaulting to %s", delivery, DeliveryConfirmed)
		delivery = DeliveryConfirmed
	}

	return Config{
		HTTPPort:    port,
		DatabaseDSN: getenv("DATABASE_DSN", "file:meropenem.db?_pragma=busy_timeout(5000)"),

		SheetsURL:           strings.TrimSpace(os.Getenv("SHEETS_URL")),
		SheetsDelivery:      delivery,
		SheetsSigningSecret: os.Getenv("SHEETS_SIGNING_SECRET"),
		SheetsTimeout:       duration("SHEETS_TIMEOUT", 10*time.Second),
		SyncInterval:        duration("SYNC_INTERVAL", 500*time.Millisecond),
		Offline:             boolean("OFFLINE", false),

		Timezone:     getenv("TIMEZONE", "Asia/Baghdad"),
		DiagnosesCSV: getenv("DIAGNOSES_CSV", "assets/diagnoses.csv"),
		ExportDir:    getenv("EXPORT_DIR", "."),
		CORSOrigins:  list(getenv("CORS_ORIGINS", "*")),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "text"),
		AppName:   getenv("APP_NAME", "medtrack"),
	}
}

// Location resolves Timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		log.Printf("invalid TIMEZONE value %q, using UTC", c.Timezone)
		return time.UTC
	}
	return loc
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		log.Printf("invalid %s value %q, defaulting to %s", key, v, def)
		return def
	}
	return d
}

func boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("invalid %s value %q, defaulting to %t", key, v, def)
		return def
	}
	return b
}

func list(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
