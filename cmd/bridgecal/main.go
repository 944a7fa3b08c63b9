// Command bridgecal keeps one Outlook calendar and one Google calendar
// mutually mirrored from a single polling process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bridgecal/bridgecal/internal/adapter"
	"github.com/bridgecal/bridgecal/internal/adapter/google"
	"github.com/bridgecal/bridgecal/internal/adapter/outlook"
	"github.com/bridgecal/bridgecal/internal/auth"
	"github.com/bridgecal/bridgecal/internal/config"
	"github.com/bridgecal/bridgecal/internal/doctor"
	"github.com/bridgecal/bridgecal/internal/event"
	"github.com/bridgecal/bridgecal/internal/export"
	"github.com/bridgecal/bridgecal/internal/logging"
	"github.com/bridgecal/bridgecal/internal/store"
	"github.com/bridgecal/bridgecal/internal/sync"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"

	configPath     string
	jsonOutput     bool
	debugLog       bool
	daemonInterval int
	exportOut      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bridgecal",
		Short: "Two-way mirror between an Outlook calendar and a Google calendar",
		Long: `BridgeCal keeps a personal Outlook calendar and a Google calendar
mutually mirrored. Real events on either side gain a private busy block
on the other, and a polling loop reconciles creations, edits, and
deletions through a local SQLite mapping store.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("bridgecal %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Run a single reconciliation pass and exit",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runSync(cmd.Context()))
		},
	})

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the reconciliation loop until interrupted",
		Long: `Runs a tick immediately, then repeats after each interval. SIGINT or
SIGTERM stops the loop; a tick in flight finishes to its checkpoint
first. Changes to the config file apply from the next tick.`,
		Run: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("interval") && daemonInterval <= 0 {
				fmt.Fprintln(os.Stderr, "Error: --interval must be greater than 0")
				os.Exit(2)
			}
			os.Exit(runDaemon(cmd.Context(), daemonInterval))
		},
	}
	daemonCmd.Flags().IntVar(&daemonInterval, "interval", 0, "Polling interval in seconds (overrides config)")
	rootCmd.AddCommand(daemonCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "auth <outlook|google>",
		Short: "Authorize one calendar side interactively",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runAuth(cmd.Context(), args[0]))
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials, and the mapping store",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(doctor.Run(cmd.Context(), configPath, os.Stdout, os.Stderr))
		},
	})

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write an iCalendar snapshot of the sync window",
		Long: `Lists both calendars over the configured window and writes them as a
single iCalendar stream, with X-BRIDGECAL properties telling sources
and mirrors apart. This is the supported way to inspect what the agent
sees without reading calendar content out of logs.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runExport(cmd.Context(), exportOut))
		},
	}
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(exportCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(2)
	}
}

// runSync performs exactly one tick and reports its summary on stdout.
func runSync(ctx context.Context) int {
	cfg, log, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		log.Error().Err(err).Msg("mapping store unavailable")
		return 2
	}
	defer st.Close()

	outlookConn, googleConn, err := buildConnectors(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("connector setup failed")
		return exitCode(err)
	}

	driver := sync.NewDriver(sync.NewEngine(outlookConn, googleConn, st, log), log)
	sum, err := driver.RunOnce(ctx, tickOptions(cfg))
	if err != nil {
		log.Error().Err(err).Msg("sync pass failed")
		return exitCode(err)
	}

	if jsonOutput {
		printJSON(sum)
	} else {
		fmt.Printf("sync: %s\n", sum)
	}
	if sum.Errors > 0 && sum.Writes() == 0 {
		return 4
	}
	return 0
}

// runDaemon ticks until the context is cancelled. intervalFlag, when
// positive, overrides the configured interval even across config reloads.
func runDaemon(ctx context.Context, intervalFlag int) int {
	cfg, log, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		log.Error().Err(err).Msg("mapping store unavailable")
		return 2
	}
	defer st.Close()

	outlookConn, googleConn, err := buildConnectors(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("connector setup failed")
		return exitCode(err)
	}

	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("config watch unavailable")
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
			log.Warn().Err(err).Str("path", cfgPath).Msg("config watch unavailable")
		} else {
			go watchConfig(ctx, watcher, cfgPath, &current, log)
		}
	}

	provider := func() (sync.Options, time.Duration) {
		c := current.Load()
		interval := time.Duration(c.Sync.IntervalSeconds) * time.Second
		if intervalFlag > 0 {
			interval = time.Duration(intervalFlag) * time.Second
		}
		return tickOptions(c), interval
	}

	driver := sync.NewDriver(sync.NewEngine(outlookConn, googleConn, st, log), log)
	log.Info().Int("interval_seconds", cfg.Sync.IntervalSeconds).Msg("daemon started")
	if err := driver.RunLoop(ctx, provider); err != nil {
		return exitCode(err)
	}
	log.Info().Msg("daemon stopped")
	return 0
}

// watchConfig reloads the config file whenever it is rewritten and swaps
// the snapshot the tick provider reads. Invalid rewrites are ignored so a
// half-saved file never takes down a running daemon.
func watchConfig(ctx context.Context, watcher *fsnotify.Watcher, path string, current *atomic.Pointer[config.Config], log zerolog.Logger) {
	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.Load(path)
			if err != nil {
				log.Warn().Err(err).Msg("config change ignored")
				continue
			}
			current.Store(cfg)
			log.Info().
				Int("interval_seconds", cfg.Sync.IntervalSeconds).
				Str("redaction", cfg.Sync.RedactionMode).
				Int("past_days", cfg.Outlook.PastDays).
				Int("future_days", cfg.Outlook.FutureDays).
				Msg("configuration reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watch error")
		}
	}
}

// runAuth walks the interactive OAuth flow for one side and stores the
// resulting token where the sync commands will look for it.
func runAuth(ctx context.Context, side string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	switch side {
	case "google":
		oc, err := auth.GoogleOAuthConfig(cfg.Google.ClientSecretPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
		if err := auth.Authorize(ctx, oc, auth.NewFileTokenStore(cfg.Google.TokenPath), os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 3
		}
	case "outlook":
		// The nativeclient redirect displays the code in the browser, so the
		// user pastes it back instead of us catching a loopback request.
		oc := auth.OutlookOAuthConfig(cfg.Outlook.ClientID, cfg.Outlook.Tenant)
		if err := auth.AuthorizeManual(ctx, oc, auth.NewFileTokenStore(cfg.Outlook.TokenPath), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 3
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown side %q (want \"outlook\" or \"google\")\n", side)
		return 2
	}
	return 0
}

// runExport writes the window snapshot to outPath, or stdout when empty.
func runExport(ctx context.Context, outPath string) int {
	cfg, log, err := setup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	outlookConn, googleConn, err := buildConnectors(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("connector setup failed")
		return exitCode(err)
	}

	var w io.Writer = os.Stdout
	var f *os.File
	if outPath != "" {
		f, err = os.Create(outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
		w = f
	}

	window := event.NewWindow(time.Now().UTC(), cfg.Outlook.PastDays, cfg.Outlook.FutureDays)
	if err := export.Snapshot(ctx, outlookConn, googleConn, window, w); err != nil {
		if f != nil {
			f.Close()
		}
		log.Error().Err(err).Msg("export failed")
		return exitCode(err)
	}
	if f != nil {
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 4
		}
		log.Info().Str("path", outPath).Msg("snapshot written")
	}
	return 0
}

// setup loads configuration, ensures the data directory exists, and builds
// the process logger.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("%w: create data directory: %v", config.ErrInvalid, err)
	}

	level := cfg.Log.Level
	if debugLog {
		level = "debug"
	}
	log, err := logging.New(level, cfg.Log.File)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	return cfg, log, nil
}

// buildConnectors authenticates both sides from stored tokens and returns
// their adapters. It never starts an interactive flow; a missing token is
// an auth error telling the user to run "bridgecal auth".
func buildConnectors(ctx context.Context, cfg *config.Config, log zerolog.Logger) (adapter.Connector, adapter.Connector, error) {
	ocfg := auth.OutlookOAuthConfig(cfg.Outlook.ClientID, cfg.Outlook.Tenant)
	oclient, err := auth.Client(ctx, event.Outlook, ocfg, auth.NewFileTokenStore(cfg.Outlook.TokenPath))
	if err != nil {
		return nil, nil, err
	}
	outlookConn := outlook.New(oclient, cfg.Outlook.CalendarID, log)

	gcfg, err := auth.GoogleOAuthConfig(cfg.Google.ClientSecretPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	gclient, err := auth.Client(ctx, event.Google, gcfg, auth.NewFileTokenStore(cfg.Google.TokenPath))
	if err != nil {
		return nil, nil, err
	}
	googleConn, err := google.New(ctx, gclient, cfg.Google.CalendarID)
	if err != nil {
		return nil, nil, err
	}
	return outlookConn, googleConn, nil
}

func tickOptions(cfg *config.Config) sync.Options {
	return sync.Options{
		PastDays:   cfg.Outlook.PastDays,
		FutureDays: cfg.Outlook.FutureDays,
		Redaction:  event.Redaction(cfg.Sync.RedactionMode),
	}
}

// exitCode maps an error to the process taxonomy: 0 ok, 2 configuration or
// prerequisite, 3 rejected credentials, 4 runtime failure. Cancellation is
// a clean stop, not a failure.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrInvalid):
		return 2
	case adapter.IsAuth(err):
		return 3
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 0
	default:
		return 4
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
