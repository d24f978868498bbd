package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/tutorbench/internal/config"
	"github.com/pavelanni/tutorbench/internal/convlog"
	"github.com/pavelanni/tutorbench/internal/evalapi"
	"github.com/pavelanni/tutorbench/internal/llm"
	"github.com/pavelanni/tutorbench/internal/model"
	"github.com/pavelanni/tutorbench/internal/output"
	"github.com/pavelanni/tutorbench/internal/store"
	"github.com/pavelanni/tutorbench/internal/submit"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tutorbench",
		Short:        "Tutoring and level-prediction tools for the knowledge evaluation service",
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.String("env-file", ".env", "KEY=VALUE file loaded into the environment (real environment wins)")
	f.String("log-file", "", "Conversation log path (default logs/conversations.jsonl, or LOG_FILE)")
	f.String("db", "logs/tutorbench.db", "SQLite run history path (empty disables history)")
	f.Duration("http-timeout", 60*time.Second, "Timeout for evaluation service and LLM requests")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	root.AddCommand(
		chatCmd(),
		selfReportCmd(),
		scoreCmd(),
		rejudgeCmd(),
		verifyCmd(),
		inferTruthCmd(),
		bruteForceCmd(),
		submitMSECmd(),
		submitTutoringCmd(),
		pairsCmd(),
		historyCmd(),
		serveSimCmd(),
	)
	return root
}

// Flags shared by the commands that talk to an LLM.
func addModelFlags(cmd *cobra.Command, defaultModel string) {
	f := cmd.Flags()
	f.String("model", defaultModel, "Model name, optionally prefixed with a provider (anthropic:, gemini:, mock:). gpt-5, o1 and o3 models always run at temperature 1")
	f.String("mode", llm.ModeResponses, "OpenAI API mode: responses|chat")
	f.Int("retries", 1, "LLM attempts per request (1 disables retries)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TUTORBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	config.BindLegacyEnv(v)

	v.SetConfigName("tutorbench")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/tutorbench")
	v.AddConfigPath("/etc/tutorbench")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// app is the per-invocation state every command starts from.
type app struct {
	v   *viper.Viper
	cfg config.Config
	out *output.Printer
}

func newApp(cmd *cobra.Command) (*app, error) {
	setupLogging(cmd)
	env, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotenv(env); err != nil {
		return nil, err
	}
	v := viperForCmd(cmd)
	return &app{v: v, cfg: config.Load(v), out: output.NewPrinter(cmd.OutOrStdout())}, nil
}

func (a *app) evalClient() (*evalapi.Client, error) {
	if err := a.cfg.RequireEval(); err != nil {
		return nil, err
	}
	return evalapi.NewClient(a.cfg.BaseURL, a.cfg.TeamAPIKey, evalapi.NewTransport(a.cfg.HTTPTimeout)), nil
}

// checkLLM verifies the credentials for every model before any work starts.
func (a *app) checkLLM(specs ...llm.ModelSpec) error {
	if err := llm.ValidateMode(a.v.GetString("mode")); err != nil {
		return err
	}
	return a.cfg.RequireLLM(llm.Providers(specs...)...)
}

func (a *app) provider(ctx context.Context, spec llm.ModelSpec) (llm.Provider, error) {
	opts := llm.OptionsFromConfig(a.cfg, a.v.GetString("mode"))
	if n := a.v.GetInt("retries"); n > 1 {
		opts.Retry.MaxAttempts = n
	}
	return llm.NewProvider(ctx, opts, spec)
}

// history runs fn against the run history store. History is best effort:
// a store failure is logged and never fails the command.
func (a *app) history(fn func(*store.Store) error) {
	path := a.cfg.DBPath
	if a.v.IsSet("db") {
		path = a.v.GetString("db")
	}
	if path == "" {
		return
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			slog.Warn("run history unavailable", "path", path, "error", err)
			return
		}
	}
	db, err := store.New(path)
	if err != nil {
		slog.Warn("run history unavailable", "path", path, "error", err)
		return
	}
	defer db.Close()
	if err := fn(db); err != nil {
		slog.Warn("recording run history", "path", path, "error", err)
	}
}

// recordRun stores a run with its predictions and optional MSE score.
func (a *app) recordRun(tool, setType string, params map[string]any, preds []model.RunPrediction, mse *float64) {
	a.history(func(db *store.Store) error {
		run, err := db.CreateRun(tool, setType, params)
		if err != nil {
			return err
		}
		if err := db.AddPredictions(run.ID, preds); err != nil {
			return err
		}
		if mse != nil {
			return db.AddMSEResult(run.ID, *mse)
		}
		return nil
	})
}

// submitMSE checks coverage of the set and scores preds.
func (a *app) submitMSE(ctx context.Context, client *evalapi.Client, setType string, preds map[model.PairKey]float64) (evalapi.MSEResult, error) {
	pairs, err := client.Pairs(ctx, setType)
	if err != nil {
		return evalapi.MSEResult{}, fmt.Errorf("list pairs: %w", err)
	}
	payload, err := submit.Build(lo.Map(pairs, func(p model.Pair, _ int) model.PairKey { return p.Key() }), preds)
	if err != nil {
		return evalapi.MSEResult{}, err
	}
	a.out.Println("Submitting predictions to /evaluate/mse...")
	res, err := client.EvaluateMSE(ctx, setType, payload)
	if err != nil {
		return res, err
	}
	a.printJSON(res.Raw)
	return res, nil
}

func (a *app) printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Warn("encode output", "error", err)
		return
	}
	a.out.Println(string(data))
}

// writeJSON saves v as indented JSON, creating parent directories.
func (a *app) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	a.out.Printf("Saved: %s", path)
	return nil
}

// latestSummaries reads the newest summary per pair, sorted by pair.
func (a *app) latestSummaries() ([]convlog.Summary, error) {
	latest, err := convlog.PickLatest(a.cfg.LogFile)
	if err != nil {
		return nil, err
	}
	if len(latest) == 0 {
		return nil, fmt.Errorf("no conversation_summary entries found in %s", a.cfg.LogFile)
	}
	summaries := lo.Values(latest)
	slices.SortFunc(summaries, func(x, y convlog.Summary) int {
		return strings.Compare(x.Key().String(), y.Key().String())
	})
	return summaries, nil
}

func fileStamp() string {
	return time.Now().UTC().Format("20060102_150405")
}

func nowStamp() string {
	return time.Now().UTC().Format(convlog.TimeFormat)
}
