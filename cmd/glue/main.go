package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpoppe/libglue/internal/config"
	"github.com/jpoppe/libglue/internal/dispatch"
	"github.com/jpoppe/libglue/internal/facts"
	"github.com/jpoppe/libglue/internal/filter"
	"github.com/jpoppe/libglue/internal/inventory"
	"github.com/jpoppe/libglue/internal/logging"
	"github.com/jpoppe/libglue/internal/output"
	"github.com/jpoppe/libglue/internal/progress"
	"github.com/jpoppe/libglue/internal/report"
	"github.com/jpoppe/libglue/internal/session"
	"github.com/jpoppe/libglue/internal/sshtransport"
	"github.com/jpoppe/libglue/internal/stats"
	"github.com/jpoppe/libglue/internal/target"
	"github.com/jpoppe/libglue/internal/task"
	"github.com/jpoppe/libglue/internal/template"
)

var (
	// Build-time variables (set via -ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global configuration
	cfg *config.Config

	// run flags
	expectedCodes []int

	// copy flags
	download bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "glue",
	Short: "Run commands and copy files across SSH fleets in parallel",
	Long: `glue executes shell commands and transfers files across many remote
hosts over SSH, in parallel, with bounded concurrency, per-target
timeouts, and automatic retries for transient failures.

Targets come from the command line, a host file, stdin, or a YAML/JSON
inventory with groups. Every target produces exactly one result, in
the order the targets were given, no matter how the run went.

Examples:
  # Run a command on two hosts
  glue run --hosts "admin@web1,admin@web2" -- uptime

  # Run against an inventory group, excluding one host
  glue run --inventory fleet.yml --hosts @web --exclude web3 -- "systemctl restart nginx"

  # Copy a file to every host in a group
  glue copy --inventory fleet.yml --hosts @web ./app.conf /etc/app/app.conf

  # Fetch logs back from each host
  glue copy --hosts "admin@web1,admin@web2" --download /var/log/app.log ./logs/

  # JSON output for automation
  glue run --hosts "admin@web1" --output json -- hostname`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command>",
	Short: "Execute a shell command on every target",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return &SetupError{Message: "command is required after '--'"}
		}
		return nil
	},
	PreRunE: loadConfiguration,
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")
		tk := task.NewCommand(command, expectedCodes...)
		return executeTask(tk)
	},
}

var copyCmd = &cobra.Command{
	Use:   "copy [flags] <source> <destination>",
	Short: "Transfer a file or directory to or from every target",
	Long: `copy uploads a local file or directory to every target, or with
--download fetches a remote path from every target. Directories are
copied recursively.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return &SetupError{Message: "copy requires exactly <source> and <destination>"}
		}
		return nil
	},
	PreRunE: loadConfiguration,
	RunE: func(cmd *cobra.Command, args []string) error {
		direction := task.Upload
		if download {
			direction = task.Download
		}
		tk := task.NewTransfer(args[0], args[1], direction)
		if err := tk.Validate(); err != nil {
			return &SetupError{Message: err.Error()}
		}
		return executeTask(tk)
	},
}

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Show local host facts and the derived concurrency limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := facts.Gather()
		out := struct {
			facts.Facts
			AutoConcurrency int `json:"auto_concurrency"`
		}{f, facts.AutoConcurrency(1 << 30)}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("glue %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", buildTime)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("hosts", "", "Comma-separated target specifications (user@host:port?key=path) and @group references")
	pf.String("hostfile", "", "Path to file containing target specifications (one per line)")
	pf.String("inventory", "", "Path to YAML/JSON inventory file with host groups")
	pf.String("exclude", "", "Comma-separated hosts or @groups to exclude")
	pf.String("filter", "", "Filter targets (e.g. 'tag:web,prod property:env=production host:*.example.com')")
	pf.String("concurrency", "auto", "Maximum concurrent targets ('auto' or number)")
	pf.Int("max-sessions", 0, "Hard cap on concurrently open SSH sessions (0 = same as concurrency)")
	pf.Int("retries", 3, "Maximum attempts per target")
	pf.Duration("retry-base-delay", time.Second, "First retry backoff delay")
	pf.Float64("retry-multiplier", 2.0, "Retry backoff growth factor")
	pf.Duration("retry-max-delay", 30*time.Second, "Retry backoff ceiling")
	pf.Duration("connect-timeout", 10*time.Second, "Per-connection-attempt timeout")
	pf.Duration("target-timeout", 60*time.Second, "Per-target execution timeout")
	pf.Duration("transfer-timeout", 0, "Per-target file transfer timeout (0 = target-timeout)")
	pf.Duration("keepalive", 15*time.Second, "Session keepalive probe interval (0 = disabled)")
	pf.String("output", "streamed", "Output format (streamed, buffered, json)")
	pf.Bool("quiet", false, "Suppress non-error output")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (json, text)")
	pf.Bool("progress", false, "Show progress bar")
	pf.Bool("stats", false, "Show live statistics and final summary")

	runCmd.Flags().IntSliceVar(&expectedCodes, "expect", nil, "Additional exit codes to treat as success besides 0")

	copyCmd.Flags().BoolVar(&download, "download", false, "Fetch the remote source to the local destination instead of uploading")

	rootCmd.AddCommand(runCmd, copyCmd, factsCmd, versionCmd)
}

// loadConfiguration merges config files, environment, and CLI flags
// into cfg. Flag values bind into viper so precedence is flag > env >
// config file > default, handled in one place.
func loadConfiguration(cmd *cobra.Command, args []string) error {
	manager := config.NewManager()
	if err := manager.BindFlags(cmd.Flags()); err != nil {
		return &SetupError{Message: fmt.Sprintf("failed to bind flags: %v", err)}
	}

	loaded, err := manager.Load()
	if err != nil {
		return &SetupError{Message: fmt.Sprintf("failed to load configuration: %v", err)}
	}
	cfg = loaded

	if cfg.Hosts == "" && cfg.HostFile == "" && isStdinTTY() {
		return &SetupError{Message: "must specify targets via --hosts, --hostfile, or stdin"}
	}

	return nil
}

// resolveTargets builds the ordered target list from the configured
// sources and applies exclusions and filters.
func resolveTargets(logger *logging.Logger) ([]target.Target, error) {
	var groups target.GroupLookup
	if cfg.Inventory != "" {
		inv, err := inventory.Load(cfg.Inventory)
		if err != nil {
			return nil, &SetupError{Message: fmt.Sprintf("failed to load inventory: %v", err)}
		}
		groups = inv
	}

	var excludes []string
	if cfg.Exclude != "" {
		excludes = strings.Split(cfg.Exclude, ",")
	}

	var targets []target.Target
	var err error
	switch {
	case cfg.Hosts != "":
		targets, err = target.NewResolver(groups).Resolve(cfg.Hosts, excludes)
	case cfg.HostFile != "":
		targets, err = target.ParseFile(cfg.HostFile)
		if err == nil {
			targets = target.Dedup(targets)
		}
	default:
		targets, err = target.ParseReader(os.Stdin)
		if err == nil {
			targets = target.Dedup(targets)
		}
	}
	if err != nil {
		return nil, &SetupError{Message: fmt.Sprintf("failed to resolve targets: %v", err)}
	}

	if cfg.Filter != "" {
		filters, ferr := filter.ParseExpression(cfg.Filter)
		if ferr != nil {
			return nil, &SetupError{Message: fmt.Sprintf("failed to parse filter expression: %v", ferr)}
		}
		before := len(targets)
		targets = filter.Apply(targets, filters...)
		logger.Info("applied filters", "original_count", before, "filtered_count", len(targets), "filter", cfg.Filter)
	}

	if len(targets) == 0 {
		return nil, &SetupError{Message: "no targets to run against"}
	}

	return targets, nil
}

// executeTask wires up the engine and runs one task across the fleet.
func executeTask(tk task.Task) error {
	return executeTaskInternal(tk, os.Stdout)
}

func executeTaskInternal(tk task.Task, writer io.Writer) error {
	logger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: logging.Format(cfg.LogFormat),
		Quiet:  cfg.Quiet,
	})

	targets, err := resolveTargets(logger)
	if err != nil {
		return err
	}

	workers := cfg.ConcurrencyLimit()
	if workers == 0 {
		workers = facts.AutoConcurrency(len(targets))
	}

	sessionLimit := cfg.MaxSessions
	if sessionLimit == 0 {
		sessionLimit = workers
	}

	formatter := output.NewFormatter(output.Mode(cfg.Output), writer)
	progressTracker := progress.NewTracker(len(targets), writer, cfg.ShowProgress)
	statsTracker := stats.NewTracker(len(targets), writer, cfg.ShowStats)

	retryPolicy := session.RetryPolicy{
		MaxAttempts: cfg.Retries,
		BaseDelay:   cfg.RetryBaseDelay,
		Multiplier:  cfg.RetryMultiplier,
		MaxDelay:    cfg.RetryMaxDelay,
	}

	transport := sshtransport.NewTransport(logger)
	sessions := session.NewManager(transport, sessionLimit, retryPolicy, cfg.Keepalive, logger)

	engine := template.New()
	dispatcher := dispatch.New(sessions, dispatch.Config{
		Concurrency:     workers,
		ConnectTimeout:  cfg.ConnectTimeout,
		TargetTimeout:   cfg.TargetTimeout,
		TransferTimeout: cfg.TransferTimeout,
		Retry:           retryPolicy,
		Expand:          engine.Expand,
		OnStart: func(t target.Target) {
			statsTracker.TargetStarted()
		},
		OnOutcome: func(o report.Outcome) {
			statsTracker.TargetCompleted(o)
			progressTracker.Update(o.OK())
			if ferr := formatter.Emit(o); ferr != nil {
				logger.Error("failed to format output", "error", ferr, "host", o.Target.Host)
			}
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn("received shutdown signal, cancelling run", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	statsTracker.Start()
	rep := dispatcher.Run(ctx, tk, targets)
	progressTracker.Finish()
	statsTracker.Stop()

	if err := formatter.Finalize(rep); err != nil {
		logger.Error("failed to finalize output", "error", err)
	}

	if !rep.OK() {
		counts := rep.Counts()
		failed := len(rep.Outcomes) - counts[report.StatusSuccess]
		return &ExecutionError{
			Message: fmt.Sprintf("%d/%d targets failed (%d command errors, %d connection errors, %d timeouts, %d cancelled)",
				failed, len(rep.Outcomes),
				counts[report.StatusCommandError], counts[report.StatusConnectionError],
				counts[report.StatusTimeout], counts[report.StatusCancelled]),
		}
	}

	return nil
}

func isStdinTTY() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// ExecutionError represents a run where one or more targets failed
// (exit code 1).
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// SetupError represents an error during setup/configuration (exit
// code 2).
type SetupError struct {
	Message string
}

func (e *SetupError) Error() string {
	return e.Message
}

// getExitCode maps error types to process exit codes:
//   - 0: all targets succeeded
//   - 1: one or more targets failed
//   - 2: setup error (invalid arguments, configuration issues)
func getExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch err.(type) {
	case *SetupError:
		return 2
	case *ExecutionError:
		return 1
	default:
		return 2
	}
}
