// Prepflow researches a debate resolution with a team of cooperating
// agents: strategy plans lines of argument, search gathers sources,
// the cutter extracts verbatim evidence cards, and the organizer files
// them into a brief. A run lasts a fixed time window; the resulting
// brief merges into durable evidence storage as markdown.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	prepflow init [dir]                        Create a workspace with an example config
//	prepflow prep "<resolution>" --side pro    Run the full pipeline
//	prepflow prep ... --agent search           Run a single agent
//	prepflow resume <session-id>               Continue a staged session
//	prepflow sessions                          List staged sessions
//	prepflow export [session-id]               Merge a session's brief into evidence
//	prepflow version                           Print version information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mquinn/prepflow/internal/buildinfo"
	"github.com/mquinn/prepflow/internal/config"
	"github.com/mquinn/prepflow/internal/events"
	"github.com/mquinn/prepflow/internal/evidence"
	"github.com/mquinn/prepflow/internal/fetch"
	"github.com/mquinn/prepflow/internal/llm"
	"github.com/mquinn/prepflow/internal/mqtt"
	"github.com/mquinn/prepflow/internal/prep"
	"github.com/mquinn/prepflow/internal/search"
	"github.com/mquinn/prepflow/internal/session"
	"github.com/mquinn/prepflow/internal/status"
	"github.com/mquinn/prepflow/internal/usage"
	"github.com/mquinn/prepflow/internal/web"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which makes it impossible
// to call run() concurrently from tests, and the argument surface is
// small enough that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args) && command == "":
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case command == "":
			command = args[i]
		default:
			cmdArgs = append(cmdArgs, args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "prep":
		return runPrepCmd(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "resume":
		return runResume(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "sessions":
		return runSessions(stdout, configPath, outputFmt)
	case "export":
		return runExport(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// prepOptions are the flags shared by prep and resume.
type prepOptions struct {
	resolution string
	side       session.Side
	minutes    float64
	agent      string // empty = all four
	sessionID  string
}

// parsePrepArgs parses the prep subcommand's arguments: one positional
// resolution plus --side/--minutes/--agent/--session flags.
func parsePrepArgs(args []string) (prepOptions, error) {
	opts := prepOptions{minutes: 5}
	var positional []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--side" && i+1 < len(args):
			side, err := session.ParseSide(strings.ToLower(args[i+1]))
			if err != nil {
				return opts, err
			}
			opts.side = side
			i++
		case args[i] == "--minutes" && i+1 < len(args):
			m, err := strconv.ParseFloat(args[i+1], 64)
			if err != nil || m < 0 {
				return opts, fmt.Errorf("invalid --minutes value: %s", args[i+1])
			}
			opts.minutes = m
			i++
		case args[i] == "--agent" && i+1 < len(args):
			opts.agent = strings.ToLower(args[i+1])
			i++
		case args[i] == "--session" && i+1 < len(args):
			opts.sessionID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--"):
			return opts, fmt.Errorf("unknown flag: %s", args[i])
		default:
			positional = append(positional, args[i])
		}
	}

	if len(positional) == 0 {
		return opts, errors.New(`usage: prepflow prep "<resolution>" --side pro|con [--minutes N] [--agent role] [--session id]`)
	}
	opts.resolution = strings.Join(positional, " ")

	if opts.side != session.SidePro && opts.side != session.SideCon {
		return opts, errors.New("--side must be pro or con")
	}
	switch opts.agent {
	case "", session.RoleStrategy, session.RoleSearch, session.RoleCutter, session.RoleOrganizer:
	default:
		return opts, fmt.Errorf("unknown agent role %q (strategy, search, cutter, organizer)", opts.agent)
	}
	return opts, nil
}

func runPrepCmd(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	opts, err := parsePrepArgs(args)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("starting prepflow", "version", buildinfo.Version, "config", cfgPath)

	return runPipeline(ctx, stdout, logger, cfg, opts, outputFmt)
}

func runResume(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: prepflow resume <session-id> [--minutes N]")
	}
	sessionID := args[0]

	minutes := 5.0
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		if rest[i] == "--minutes" && i+1 < len(rest) {
			m, err := strconv.ParseFloat(rest[i+1], 64)
			if err != nil || m < 0 {
				return fmt.Errorf("invalid --minutes value: %s", rest[i+1])
			}
			minutes = m
			i++
			continue
		}
		return fmt.Errorf("unknown flag: %s", rest[i])
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Resolution and side come from the session's manifest entry.
	infos, err := session.Sessions(cfg.StagingDir)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	var entry *session.SessionInfo
	for i := range infos {
		if infos[i].ID == sessionID {
			entry = &infos[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("session %s not found under %s", sessionID, cfg.StagingDir)
	}

	logger, err := newLogger(stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("resuming prep session", "session", sessionID, "config", cfgPath)

	return runPipeline(ctx, stdout, logger, cfg, prepOptions{
		resolution: entry.Resolution,
		side:       entry.Side,
		minutes:    minutes,
		sessionID:  sessionID,
	}, outputFmt)
}

// runPipeline wires the shared collaborators and runs either the full
// pipeline or a single agent. It blocks until the time window closes
// or a shutdown signal arrives.
func runPipeline(ctx context.Context, stdout io.Writer, logger *slog.Logger, cfg *config.Config, opts prepOptions, outputFmt string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Anthropic.APIKey == "" {
		return errors.New("anthropic.api_key is not configured")
	}
	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)

	needsSearch := opts.agent == "" || opts.agent == session.RoleSearch
	searcher := search.NewManager("brave")
	if cfg.Brave.Configured() {
		searcher.Register(search.NewBrave(cfg.Brave.APIKey))
	} else if needsSearch {
		return errors.New("brave.api_key is not configured (required for the search agent)")
	}

	fetcher := fetch.New(fetch.WithCacheSize(cfg.Prep.ArticleCacheSize))
	bus := events.New()

	if err := os.MkdirAll(cfg.EvidenceDir, 0o755); err != nil {
		return fmt.Errorf("create evidence directory: %w", err)
	}
	ev, err := evidence.Open(filepath.Join(cfg.EvidenceDir, "evidence.db"))
	if err != nil {
		return fmt.Errorf("open evidence store: %w", err)
	}
	defer ev.Close()

	// Token spend ledger. Failures to open it degrade to an untracked
	// run rather than blocking prep.
	spend, err := usage.NewStore(filepath.Join(cfg.EvidenceDir, "usage.db"))
	if err != nil {
		logger.Warn("usage ledger unavailable", "error", err)
		spend = nil
	} else {
		defer spend.Close()
	}

	// Optional dashboard. Its lifetime is the run's; Shutdown below
	// unblocks the Start goroutine.
	var dashboard *web.Server
	if cfg.Web.Enabled {
		dashboard = web.NewServer(cfg.Web.Address, cfg.Web.Port, bus, logger)
		go func() {
			if err := dashboard.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("dashboard server stopped", "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			dashboard.Shutdown(shutCtx)
		}()
	}

	// Optional MQTT telemetry bridge.
	if cfg.MQTT.Configured() {
		bridge := mqtt.New(cfg.MQTT, bus, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Warn("mqtt bridge stopped", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			bridge.Stop(stopCtx)
		}()
	}

	renderer := status.New(stdout, 10*time.Second)
	observer := func(obsCtx context.Context, store *session.Store, states []*prep.State, deadline time.Time) {
		if dashboard != nil {
			dashboard.SetSession(store)
		}
		renderer.Observe(obsCtx, store, states, deadline)
	}

	deps := prep.Deps{
		LLM:    client,
		Search: searcher,
		Fetch:  fetcher,
		Bus:    bus,
		Logger: logger,
		Finalize: func(fctx context.Context, sess *session.Store) (string, error) {
			return evidence.Finalize(fctx, ev, cfg.EvidenceDir, sess)
		},
		WrapLLM: func(c llm.Client, sessionID, role string) llm.Client {
			return usage.WrapClient(c, spend, sessionID, role, cfg.Models.Pricing, logger)
		},
	}

	duration := time.Duration(opts.minutes * float64(time.Minute))
	started := time.Now()

	var res *prep.Result
	if opts.agent == "" {
		runOpts := []prep.RunOption{prep.WithObserver(observer)}
		if opts.sessionID != "" {
			runOpts = append(runOpts, prep.WithSessionID(opts.sessionID))
		}
		res, err = prep.RunPrep(ctx, cfg, deps, opts.resolution, opts.side, duration, runOpts...)
	} else {
		res, err = prep.RunAgent(ctx, cfg, deps, opts.agent, opts.resolution, opts.side,
			opts.sessionID, duration, prep.WithObserver(observer))
	}
	if err != nil {
		return err
	}

	if spend != nil {
		if sum, err := spend.SessionSummary(res.SessionID); err == nil && sum.TotalRecords > 0 {
			logger.Info("model usage",
				"requests", sum.TotalRecords,
				"input_tokens", sum.TotalInputTokens,
				"output_tokens", sum.TotalOutputTokens,
				"cost_usd", fmt.Sprintf("%.4f", sum.TotalCostUSD),
			)
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	status.Summary(stdout, res, time.Since(started))
	return nil
}

func runSessions(stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	infos, err := session.Sessions(cfg.StagingDir)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Fprintf(stdout, "No staged sessions under %s\n", cfg.StagingDir)
		return nil
	}
	for _, info := range infos {
		fmt.Fprintf(stdout, "%s  %-3s  %s  %s\n",
			info.ID, info.Side, info.CreatedAt.Format("2006-01-02 15:04"), info.Resolution)
	}
	return nil
}

func runExport(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	sessionID := ""
	if len(args) > 0 {
		sessionID = args[0]
	} else {
		sessionID, err = session.MostRecent(cfg.StagingDir)
		if err != nil {
			return fmt.Errorf("no session to export: %w", err)
		}
	}

	sess, err := session.Load(cfg.StagingDir, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}

	if err := os.MkdirAll(cfg.EvidenceDir, 0o755); err != nil {
		return fmt.Errorf("create evidence directory: %w", err)
	}
	ev, err := evidence.Open(filepath.Join(cfg.EvidenceDir, "evidence.db"))
	if err != nil {
		return fmt.Errorf("open evidence store: %w", err)
	}
	defer ev.Close()

	path, err := evidence.Finalize(ctx, ev, cfg.EvidenceDir, sess)
	if err != nil {
		return fmt.Errorf("export session %s: %w", sessionID, err)
	}

	fmt.Fprintf(stdout, "Exported %s to %s\n", sessionID, path)
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

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Prepflow - Multi-agent debate evidence research")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: prepflow [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]                           Create a workspace with an example config")
	fmt.Fprintln(w, `  prep "<resolution>" --side pro|con   Run the prep pipeline`)
	fmt.Fprintln(w, "       [--minutes N]                   Time window (default: 5)")
	fmt.Fprintln(w, "       [--agent role]                  Run one agent: strategy, search, cutter, organizer")
	fmt.Fprintln(w, "       [--session id]                  Work against an existing session")
	fmt.Fprintln(w, "  resume <session-id> [--minutes N]    Continue a staged session")
	fmt.Fprintln(w, "  sessions                             List staged sessions")
	fmt.Fprintln(w, "  export [session-id]                  Merge a session's brief into evidence storage")
	fmt.Fprintln(w, "  version                              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newLogger builds the process logger at the configured level.
func newLogger(w io.Writer, levelName string) (*slog.Logger, error) {
	level := slog.LevelInfo
	if levelName != "" {
		var err error
		level, err = config.ParseLogLevel(levelName)
		if err != nil {
			return nil, err
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})), nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
