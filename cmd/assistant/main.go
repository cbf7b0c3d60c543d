// Assistant is the HiveDesk workspace AI orchestrator.
//
// It drives conversational turns against the managed model gateway,
// executes workspace domain actions, and persists conversation history
// per (feature, workspace, user) scope. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	assistant ask <text>        Run one conversational turn
//	assistant ask -web <text>   Same, with web retrieval augmentation
//	assistant export [html]     Print the scope's conversation transcript
//	assistant usage [days]      Show local token usage totals
//	assistant clear             Delete the scope's conversation history
//	assistant version           Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hivedesk/assistant/internal/actions"
	"github.com/hivedesk/assistant/internal/agent"
	"github.com/hivedesk/assistant/internal/backend"
	"github.com/hivedesk/assistant/internal/buildinfo"
	"github.com/hivedesk/assistant/internal/config"
	"github.com/hivedesk/assistant/internal/conversation"
	"github.com/hivedesk/assistant/internal/events"
	"github.com/hivedesk/assistant/internal/filestore"
	"github.com/hivedesk/assistant/internal/history"
	"github.com/hivedesk/assistant/internal/llm"
	"github.com/hivedesk/assistant/internal/metrics"
	"github.com/hivedesk/assistant/internal/prompts"
	"github.com/hivedesk/assistant/internal/quota"
	"github.com/hivedesk/assistant/internal/ratelimit"
	"github.com/hivedesk/assistant/internal/retrieval"
	"github.com/hivedesk/assistant/internal/sanitize"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the full
// command lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible to
// call run() concurrently from tests, and our argument surface is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	scope := conversation.Scope{Feature: "chat", Workspace: "default", User: defaultUser()}
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-feature" && i+1 < len(args):
			scope.Feature = args[i+1]
			i++
		case args[i] == "-workspace" && i+1 < len(args):
			scope.Workspace = args[i+1]
			i++
		case args[i] == "-user" && i+1 < len(args):
			scope.User = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: assistant ask [-web] <text>")
		}
		return runAsk(ctx, stdout, configPath, scope, outputFmt, cmdArgs)
	case "export":
		format := "text"
		if len(cmdArgs) > 0 {
			format = cmdArgs[0]
		}
		return runExport(ctx, stdout, configPath, scope, format)
	case "usage":
		days := 30
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: assistant usage [days]")
			}
			days = n
		}
		return runUsage(ctx, stdout, configPath, outputFmt, days)
	case "clear":
		return runClear(ctx, stdout, configPath, scope)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runAsk executes a single conversational turn and prints the terminal
// assistant message.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, scope conversation.Scope, outputFmt string, cmdArgs []string) error {
	retrieve := false
	if cmdArgs[0] == "-web" {
		retrieve = true
		cmdArgs = cmdArgs[1:]
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: assistant ask [-web] <text>")
		}
	}
	text := strings.Join(cmdArgs, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath)

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	session, err := buildSession(cfg, db, scope, logger)
	if err != nil {
		return err
	}

	result, err := session.Run(ctx, agent.Input{Text: text, Retrieve: retrieve})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"state":      string(result.State),
			"text":       result.Text,
			"iterations": result.Iterations,
		})
	}
	fmt.Fprintln(stdout, result.Text)
	return nil
}

// runExport prints the scope's conversation transcript as text or HTML.
func runExport(ctx context.Context, stdout io.Writer, configPath string, scope conversation.Scope, format string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := conversation.NewStore(db)
	if err != nil {
		return err
	}

	var out string
	switch format {
	case "text":
		out, err = store.ExportText(ctx, scope)
	case "html":
		out, err = store.ExportHTML(ctx, scope)
	default:
		return fmt.Errorf("unknown export format: %q (expected text or html)", format)
	}
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	fmt.Fprintln(stdout, out)
	return nil
}

// runUsage prints local token usage bookkeeping for the last N days.
func runUsage(ctx context.Context, stdout io.Writer, configPath string, outputFmt string, days int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := quota.NewStore(db)
	if err != nil {
		return err
	}

	end := time.Now()
	start := end.AddDate(0, 0, -days)
	sum, err := store.Summary(start, end)
	if err != nil {
		return err
	}
	byScope, err := store.SummaryByScope(start, end)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"total": sum, "by_scope": byScope})
	}

	fmt.Fprintf(stdout, "Usage, last %d days: %d calls, %d input tokens, %d output tokens\n",
		days, sum.TotalRecords, sum.TotalInputTokens, sum.TotalOutputTokens)
	for key, s := range byScope {
		fmt.Fprintf(stdout, "  %-40s %d calls, %d in, %d out\n",
			key, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens)
	}
	return nil
}

// runClear irreversibly deletes the scope's conversation history.
func runClear(ctx context.Context, stdout io.Writer, configPath string, scope conversation.Scope) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := conversation.NewStore(db)
	if err != nil {
		return err
	}
	if err := store.Clear(ctx, scope); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Cleared conversation %s\n", scope.Key())
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// buildSession wires the full turn pipeline for one scope.
func buildSession(cfg *config.Config, db *sql.DB, scope conversation.Scope, logger *slog.Logger) (*agent.Session, error) {
	convStore, err := conversation.NewStore(db)
	if err != nil {
		return nil, err
	}
	files, err := filestore.NewStore(db)
	if err != nil {
		return nil, err
	}
	usage, err := quota.NewStore(db)
	if err != nil {
		return nil, err
	}

	gatewayClient := llm.NewGatewayClient(cfg.Gateway.URL, cfg.Gateway.APIKey, logger)

	var invoker backend.Invoker
	var gate *quota.Gate
	registry := actions.NewRegistry()
	if cfg.Backend.URL != "" {
		be := backend.New(cfg.Backend.URL, cfg.Backend.APIKey, logger)
		invoker = be
		gate = quota.NewGate(be)
		actions.RegisterWorkspaceActions(registry, invoker, files, scope.Key())
	} else {
		logger.Warn("backend.url not configured, running without domain actions or quota gate")
	}

	bus := events.New()
	collector := metrics.New(prometheus.NewRegistry())
	dispatcher := actions.NewDispatcher(registry, logger, bus, collector)

	reducer := history.New(history.Options{
		MaxMessages: cfg.Limits.HistoryWindow,
		TokenBudget: cfg.Limits.ContextTokenBudget,
		Prune: history.PruneOptions{
			MaxItems:     cfg.Limits.PruneMaxItems,
			MaxStringLen: cfg.Limits.PruneMaxStringLen,
		},
	}, logger)

	var augmenter *retrieval.Augmenter
	if cfg.Retrieval.Provider != "" {
		manager := retrieval.NewManager(cfg.Retrieval.Provider)
		if cfg.Retrieval.SearXNGURL != "" {
			manager.Register(retrieval.NewSearXNG(cfg.Retrieval.SearXNGURL))
		}
		if cfg.Retrieval.BraveAPIKey != "" {
			manager.Register(retrieval.NewBrave(cfg.Retrieval.BraveAPIKey))
		}
		augmenter = retrieval.NewAugmenter(manager, logger, bus)
	}

	return agent.New(scope, agent.Config{
		Model:             cfg.Gateway.Model,
		SystemPrompt:      prompts.SystemPrompt(scope.Feature, time.Now()),
		MaxToolIterations: cfg.Limits.MaxToolIterations,
		RetrievalCount:    cfg.Retrieval.Count,
	}, agent.Deps{
		Store:      convStore,
		Reducer:    reducer,
		Limiter:    ratelimit.New(cfg.Limits.RateWindow(), cfg.Limits.RateMaxRequests),
		Gate:       gate,
		Client:     gatewayClient,
		Registry:   registry,
		Dispatcher: dispatcher,
		Augmenter:  augmenter,
		Sanitizer:  sanitize.New("", ""),
		Files:      files,
		Usage:      usage,
		Logger:     logger,
		Bus:        bus,
		Metrics:    collector,
	}), nil
}

// loadConfig locates and loads the config file.
func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// newLogger builds the slog logger from config. Logs go to stderr so
// command output on stdout stays clean.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		parsed, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		level = parsed
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: config.ReplaceLogLevelNames}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}

// openDB opens the assistant database, creating the data directory when
// configured. Without a data_dir the database lives in memory, which is
// fine for one-shot commands.
func openDB(cfg *config.Config) (*sql.DB, error) {
	dsn := ":memory:"
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = filepath.Join(cfg.DataDir, "assistant.db")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// printUsage writes the top-level help text.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Assistant - HiveDesk workspace AI orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: assistant [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask [-web] <text>   Run one conversational turn")
	fmt.Fprintln(w, "  export [text|html]  Print the conversation transcript")
	fmt.Fprintln(w, "  usage [days]        Show local token usage totals")
	fmt.Fprintln(w, "  clear               Delete the conversation history")
	fmt.Fprintln(w, "  version             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>      Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt    Output format: text (default) or json")
	fmt.Fprintln(w, "  -feature <name>     Conversation feature area (default: chat)")
	fmt.Fprintln(w, "  -workspace <name>   Workspace name (default: default)")
	fmt.Fprintln(w, "  -user <name>        User name (default: $USER)")
	return nil
}
