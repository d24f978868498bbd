package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	v.Set("base-url", " http://eval.local/ ")
	v.Set("team-api-key", "k")

	cfg := Load(v)
	if cfg.BaseURL != "http://eval.local" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.BaseURL)
	}
	if cfg.LogFile != "logs/conversations.jsonl" {
		t.Errorf("LogFile = %q", cfg.LogFile)
	}
	if cfg.HTTPTimeout != 60*time.Second {
		t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeout)
	}
	if err := cfg.RequireEval(); err != nil {
		t.Errorf("RequireEval: %v", err)
	}
}

func TestRequireEvalNamesEveryMissingVar(t *testing.T) {
	err := Config{}.RequireEval()
	var cfgErr *Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if got, want := err.Error(), "Missing env vars: BASE_URL, TEAM_API_KEY"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestRequireLLM(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		providers []string
		wantErr   string
	}{
		{"openai ok", Config{OpenAIAPIKey: "x"}, []string{"openai"}, ""},
		{"mock needs nothing", Config{}, []string{"mock"}, ""},
		{"missing two", Config{OpenAIAPIKey: "x"}, []string{"openai", "anthropic", "gemini", "anthropic"}, "Missing env vars: ANTHROPIC_API_KEY, GEMINI_API_KEY"},
		{"unknown", Config{}, []string{"cohere"}, `unknown LLM provider: "cohere"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.RequireLLM(tt.providers...)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("TUTORBENCH_DOTENV_PROBE=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TUTORBENCH_DOTENV_PROBE", "")
	os.Unsetenv("TUTORBENCH_DOTENV_PROBE")

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("TUTORBENCH_DOTENV_PROBE"); got != "from-file" {
		t.Errorf("env = %q, want from-file", got)
	}

	if err := LoadDotenv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file should be ignored, got %v", err)
	}
}

func TestBindLegacyEnv(t *testing.T) {
	t.Setenv("BASE_URL", "http://legacy")
	v := viper.New()
	BindLegacyEnv(v)
	if got := Load(v).BaseURL; got != "http://legacy" {
		t.Errorf("BaseURL = %q, want legacy env value", got)
	}
}
