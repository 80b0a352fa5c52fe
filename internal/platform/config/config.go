// Package config loads process configuration from KUHA_* environment
// variables so the binaries stay lean. Both the server and the harvester
// read the same Config; each uses the fields it needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aryla/kuha/internal/oai"
	pstrings "github.com/aryla/kuha/pkg/platform/strings"
)

// Config carries everything the binaries need to wire themselves up.
type Config struct {
	// Addr is the listen address of the OAI-PMH server.
	Addr string
	// BaseURL is the public endpoint URL echoed in every response. Empty
	// derives http://localhost<Addr>/oai.
	BaseURL string

	// DatabaseURL selects the store: empty runs in memory, a postgres://
	// URL opens PostgreSQL.
	DatabaseURL string

	// Identify surface.
	RepositoryName  string
	AdminEmails     []string
	DeletedRecords  string
	DescriptionFile string
	ItemListLimit   int

	// SourceURL names the harvest provider: file:// or a plain path for
	// the directory provider, http(s):// for an upstream repository.
	SourceURL string
	// UpstreamPrefix is the metadata prefix the upstream provider pages
	// identifiers with. ListIdentifiers requires one.
	UpstreamPrefix string
	// HarvestInterval is the pause between harvest runs; zero runs once.
	HarvestInterval time.Duration
	// MetricsAddr exposes the harvester's metrics endpoint when it runs
	// as an interval daemon. Empty disables the listener. The server
	// always serves /metrics on Addr.
	MetricsAddr string

	// RateLimit is the number of requests one client may make per
	// RateWindow; zero disables limiting. RedisAddr moves the counters to
	// Redis so several server replicas share them.
	RateLimit  int
	RateWindow time.Duration
	RedisAddr  string

	LogLevel  string
	LogFormat string
}

// FromEnv builds a Config from environment variables, applying defaults
// for everything absent. Call Validate before using it.
func FromEnv() Config {
	cfg := Config{
		Addr:            getEnv("KUHA_ADDR", ":8080"),
		BaseURL:         os.Getenv("KUHA_BASE_URL"),
		DatabaseURL:     os.Getenv("KUHA_DATABASE_URL"),
		RepositoryName:  getEnv("KUHA_REPOSITORY_NAME", "kuha"),
		AdminEmails:     pstrings.DedupeAndTrim(strings.Split(os.Getenv("KUHA_ADMIN_EMAILS"), ",")),
		DeletedRecords:  getEnv("KUHA_DELETED_RECORDS", oai.PolicyPersistent),
		DescriptionFile: os.Getenv("KUHA_DESCRIPTION_FILE"),
		ItemListLimit:   getEnvInt("KUHA_ITEM_LIST_LIMIT", oai.DefaultListLimit),
		SourceURL:       os.Getenv("KUHA_SOURCE_URL"),
		UpstreamPrefix:  getEnv("KUHA_UPSTREAM_PREFIX", "oai_dc"),
		HarvestInterval: getEnvDuration("KUHA_HARVEST_INTERVAL", 0),
		MetricsAddr:     os.Getenv("KUHA_METRICS_ADDR"),
		RateLimit:       getEnvInt("KUHA_RATE_LIMIT", 0),
		RateWindow:      getEnvDuration("KUHA_RATE_WINDOW", time.Minute),
		RedisAddr:       os.Getenv("KUHA_REDIS_ADDR"),
		LogLevel:        getEnv("KUHA_LOG_LEVEL", "info"),
		LogFormat:       getEnv("KUHA_LOG_FORMAT", "text"),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = deriveBaseURL(cfg.Addr)
	}
	return cfg
}

// Validate reports the first malformed value. The binaries fail fast on
// it instead of serving with a half-broken configuration.
func (c Config) Validate() error {
	switch c.DeletedRecords {
	case oai.PolicyNo, oai.PolicyTransient, oai.PolicyPersistent:
	default:
		return fmt.Errorf("KUHA_DELETED_RECORDS must be %q, %q or %q, got %q",
			oai.PolicyNo, oai.PolicyTransient, oai.PolicyPersistent, c.DeletedRecords)
	}
	if c.ItemListLimit < 1 {
		return fmt.Errorf("KUHA_ITEM_LIST_LIMIT must be at least 1, got %d", c.ItemListLimit)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("KUHA_RATE_LIMIT must not be negative, got %d", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		return fmt.Errorf("KUHA_RATE_WINDOW must be positive when rate limiting is on, got %s", c.RateWindow)
	}
	if c.HarvestInterval < 0 {
		return fmt.Errorf("KUHA_HARVEST_INTERVAL must not be negative, got %s", c.HarvestInterval)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("KUHA_LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("KUHA_LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Descriptions reads the optional description file. Its content is
// emitted verbatim inside Identify's <description> element, so it must
// already be well-formed XML.
func (c Config) Descriptions() ([]string, error) {
	if c.DescriptionFile == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(c.DescriptionFile)
	if err != nil {
		return nil, fmt.Errorf("read description file: %w", err)
	}
	content := strings.TrimSpace(string(raw))
	if content == "" {
		return nil, nil
	}
	return []string{content}, nil
}

// deriveBaseURL guesses a development base URL from the listen address.
func deriveBaseURL(addr string) string {
	host := addr
	if strings.HasPrefix(addr, ":") {
		host = "localhost" + addr
	}
	return "http://" + host + "/oai"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
