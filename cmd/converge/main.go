package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zhubert/converge-core/config"
	"github.com/zhubert/converge-core/engine"
	"github.com/zhubert/converge-core/feed"
	"github.com/zhubert/converge-core/logger"
	"github.com/zhubert/converge-core/paths"
	"github.com/zhubert/converge-core/stream"
)

var (
	// Global flags
	cfgPath     string
	debug       bool
	logFilePath string

	// Loaded in PersistentPreRunE, used by all subcommands
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "converge",
	Short: "Converge - per-session state reconciliation for streamed event feeds",
	Long: `Converge reconstructs per-session state from a newline-delimited JSON
event feed. Each feed line carries a chat_id; converge demultiplexes the
feed into one state machine per session, accumulating streamed answer and
reasoning text, tool activity segments, routing decisions, and execution
progress.

replay processes a complete capture and prints the final state of every
session as JSON. tail follows a capture file that is still being written,
printing phase transitions as they happen.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Close()
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay [capture]",
	Short: "Replay a feed capture and print final session states",
	Long: `Pumps a captured feed through a fresh engine and prints the final
state of every session as indented JSON. Reads from the given file, or
from stdin when no file is given (or the file is "-").`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

var tailCmd = &cobra.Command{
	Use:   "tail <capture>",
	Short: "Follow a live feed capture and print phase transitions",
	Long: `Follows a capture file that is still being appended to, replaying
existing content first. Prints a line for every session phase transition
until interrupted. The file may not exist yet; tail waits for it.`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to converge.yaml (default: resolved config dir)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFilePath, "log-file", "", "Log file path (default: <state dir>/logs/converge.log)")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config file and initializes logging for all subcommands.
func setup(cmd *cobra.Command, args []string) error {
	path := cfgPath
	if path == "" {
		p, err := paths.ConfigFilePath()
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
		path = p
	}

	loaded, err := config.LoadOrDefault(path)
	if err != nil {
		return err
	}
	cfg = loaded

	logPath := logFilePath
	if logPath == "" {
		logPath = cfg.Log.Path
	}
	if logPath == "" {
		p, err := logger.DefaultLogPath()
		if err != nil {
			return fmt.Errorf("failed to resolve log path: %w", err)
		}
		logPath = p
	}
	if err := logger.Init(logPath); err != nil {
		return err
	}
	if debug || cfg.Log.Debug {
		logger.SetDebug(true)
	}
	return nil
}

// signalContext returns a context that is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	var src io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open capture: %w", err)
		}
		defer f.Close()
		src = f
	}

	eng := engine.New(engine.WithRetention(cfg.RetentionPolicy()))
	reader := feed.NewReader(eng, cfg.Feed)

	if err := reader.Pump(ctx, src); err != nil {
		return err
	}

	views := make([]sessionView, 0, len(eng.Sessions()))
	for _, id := range eng.Sessions() {
		views = append(views, newSessionView(eng.Get(id)))
	}

	out, err := json.MarshalIndent(views, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render session states: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	eng := engine.New(engine.WithRetention(cfg.RetentionPolicy()))
	tail := feed.NewTail(eng, args[0], cfg.Feed)

	done := make(chan error, 1)
	go func() {
		done <- tail.Run(ctx)
	}()

	fmt.Printf("following %s\n", args[0])
	go watchSessions(ctx, eng)

	err := <-done
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchSessions polls for sessions appearing in the feed and prints their
// phase transitions. Sessions are discovered as the feed demultiplexes, so
// there is no registration step; a short poll keeps discovery simple.
func watchSessions(ctx context.Context, eng *engine.Engine) {
	known := make(map[string]bool)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range eng.Sessions() {
				if known[id] {
					continue
				}
				known[id] = true
				sessionID := id
				eng.SubscribeState(sessionID, func(phase stream.Phase) {
					fmt.Printf("%s  %s  %s\n", time.Now().Format("15:04:05.000"), sessionID, phase)
				})
			}
		}
	}
}
