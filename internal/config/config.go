// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Note backends selectable with POLICYGATE_NOTE_BACKEND.
const (
	NoteBackendLocal  = "local"
	NoteBackendGitHub = "github"
	NoteBackendGitLab = "gitlab"
)

const defaultListenAddr = "127.0.0.1:8080"

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        string
	LogFormat       string
	ResyncInterval  time.Duration
	Concurrency     int
	PolicyFile      string
	PolicyProjectID int64
	// FallbackBehavior enables fallback_behavior.fail: open. When disabled,
	// fail-open policies are left untouched on unenforceable merge requests.
	FallbackBehavior bool

	NoteBackend   string
	GitHubToken   string
	GitLabToken   string
	GitLabBaseURL string
	BotUsername   string
}

// Load reads configuration from environment variables and returns a validated
// Config. A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
//
// Optional variables with defaults: POLICYGATE_LISTEN_ADDR (127.0.0.1:8080),
// POLICYGATE_DB_PATH (policygate.db), POLICYGATE_LOG_LEVEL (info),
// POLICYGATE_LOG_FORMAT (json), POLICYGATE_RESYNC_INTERVAL (10m),
// POLICYGATE_CONCURRENCY (4), POLICYGATE_NOTE_BACKEND (local),
// POLICYGATE_GITLAB_URL (https://gitlab.com/api/v4).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:       envOr("POLICYGATE_LISTEN_ADDR", defaultListenAddr),
		DBPath:           envOr("POLICYGATE_DB_PATH", "policygate.db"),
		LogLevel:         strings.ToLower(envOr("POLICYGATE_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOr("POLICYGATE_LOG_FORMAT", "json")),
		ResyncInterval:   10 * time.Minute,
		Concurrency:      4,
		PolicyFile:       os.Getenv("POLICYGATE_POLICY_FILE"),
		PolicyProjectID:  1,
		NoteBackend:      strings.ToLower(envOr("POLICYGATE_NOTE_BACKEND", NoteBackendLocal)),
		GitHubToken:      os.Getenv("POLICYGATE_GITHUB_TOKEN"),
		GitLabToken:      os.Getenv("POLICYGATE_GITLAB_TOKEN"),
		GitLabBaseURL:    envOr("POLICYGATE_GITLAB_URL", "https://gitlab.com/api/v4"),
		BotUsername:      envOr("POLICYGATE_BOT_USERNAME", "policygate-bot"),
		FallbackBehavior: true,
	}

	if v, ok := os.LookupEnv("POLICYGATE_RESYNC_INTERVAL"); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("POLICYGATE_RESYNC_INTERVAL has invalid duration %q: %w", v, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("POLICYGATE_RESYNC_INTERVAL must be positive, got %s", parsed)
		}
		cfg.ResyncInterval = parsed
	}

	if v, ok := os.LookupEnv("POLICYGATE_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("POLICYGATE_CONCURRENCY must be a positive integer, got %q", v)
		}
		cfg.Concurrency = n
	}

	if v, ok := os.LookupEnv("POLICYGATE_POLICY_PROJECT_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 1 {
			return nil, fmt.Errorf("POLICYGATE_POLICY_PROJECT_ID must be a positive integer, got %q", v)
		}
		cfg.PolicyProjectID = id
	}

	if v, ok := os.LookupEnv("POLICYGATE_FALLBACK_BEHAVIOR"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("POLICYGATE_FALLBACK_BEHAVIOR has invalid boolean %q: %w", v, err)
		}
		cfg.FallbackBehavior = enabled
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("POLICYGATE_LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("POLICYGATE_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	switch c.NoteBackend {
	case NoteBackendLocal:
	case NoteBackendGitHub:
		if c.GitHubToken == "" {
			return errors.New("POLICYGATE_GITHUB_TOKEN is required for the github note backend")
		}
	case NoteBackendGitLab:
		if c.GitLabToken == "" {
			return errors.New("POLICYGATE_GITLAB_TOKEN is required for the gitlab note backend")
		}
	default:
		return fmt.Errorf("POLICYGATE_NOTE_BACKEND must be local, github or gitlab, got %q", c.NoteBackend)
	}

	return nil
}

// ListenAddr returns POLICYGATE_LISTEN_ADDR, honouring .env, without loading
// or validating the rest of the configuration.
func ListenAddr() string {
	_ = godotenv.Load()
	return envOr("POLICYGATE_LISTEN_ADDR", defaultListenAddr)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
