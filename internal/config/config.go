// Package config resolves runtime settings from flags, environment and .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Error reports missing credentials or an invalid configuration choice.
type Error struct {
	Missing []string
	Msg     string
}

func (e *Error) Error() string {
	if len(e.Missing) > 0 {
		return "Missing env vars: " + strings.Join(e.Missing, ", ")
	}
	return e.Msg
}

// Invalid returns a configuration error for a bad choice.
func Invalid(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Config is the explicit configuration passed into every component.
type Config struct {
	BaseURL         string
	TeamAPIKey      string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	GeminiAPIKey    string
	LogFile         string
	DBPath          string
	HTTPTimeout     time.Duration
}

// legacyEnv maps config keys to the environment variable names used by the
// original scripts. They are consulted after the TUTORBENCH_ prefixed names.
var legacyEnv = map[string]string{
	"base-url":          "BASE_URL",
	"team-api-key":      "TEAM_API_KEY",
	"openai-api-key":    "OPENAI_API_KEY",
	"openai-base-url":   "OPENAI_BASE_URL",
	"anthropic-api-key": "ANTHROPIC_API_KEY",
	"gemini-api-key":    "GEMINI_API_KEY",
	"log-file":          "LOG_FILE",
}

// LoadDotenv reads KEY=VALUE pairs from path into the process environment.
// Variables already set in the environment win. A missing file is not an error.
func LoadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	slog.Debug("loaded env file", "path", path)
	return nil
}

// BindLegacyEnv registers the original environment variable names with v.
func BindLegacyEnv(v *viper.Viper) {
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, "TUTORBENCH_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_")), env)
	}
}

// Load builds a Config from v.
func Load(v *viper.Viper) Config {
	timeout := v.GetDuration("http-timeout")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logFile := v.GetString("log-file")
	if logFile == "" {
		logFile = "logs/conversations.jsonl"
	}
	dbPath := v.GetString("db")
	if dbPath == "" {
		dbPath = "logs/tutorbench.db"
	}
	return Config{
		BaseURL:         strings.TrimRight(strings.TrimSpace(v.GetString("base-url")), "/"),
		TeamAPIKey:      strings.TrimSpace(v.GetString("team-api-key")),
		OpenAIAPIKey:    strings.TrimSpace(v.GetString("openai-api-key")),
		OpenAIBaseURL:   strings.TrimSpace(v.GetString("openai-base-url")),
		AnthropicAPIKey: strings.TrimSpace(v.GetString("anthropic-api-key")),
		GeminiAPIKey:    strings.TrimSpace(v.GetString("gemini-api-key")),
		LogFile:         logFile,
		DBPath:          dbPath,
		HTTPTimeout:     timeout,
	}
}

// RequireEval checks that the evaluation service can be reached.
func (c Config) RequireEval() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.TeamAPIKey == "" {
		missing = append(missing, "TEAM_API_KEY")
	}
	if len(missing) > 0 {
		return &Error{Missing: missing}
	}
	return nil
}

// RequireLLM checks that each named provider has its API key set.
func (c Config) RequireLLM(providers ...string) error {
	var missing []string
	seen := make(map[string]bool)
	for _, p := range providers {
		if seen[p] {
			continue
		}
		seen[p] = true
		switch p {
		case "openai":
			if c.OpenAIAPIKey == "" {
				missing = append(missing, "OPENAI_API_KEY")
			}
		case "anthropic":
			if c.AnthropicAPIKey == "" {
				missing = append(missing, "ANTHROPIC_API_KEY")
			}
		case "gemini":
			if c.GeminiAPIKey == "" {
				missing = append(missing, "GEMINI_API_KEY")
			}
		case "mock":
		default:
			return Invalid("unknown LLM provider: %q", p)
		}
	}
	if len(missing) > 0 {
		return &Error{Missing: missing}
	}
	return nil
}

