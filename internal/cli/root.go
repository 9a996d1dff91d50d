// Package cli implements talkctl, a terminal client for the resident side of
// the support chat.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/category"
	"github.com/apartner/apartner-talk/internal/config"
	"github.com/apartner/apartner-talk/internal/observability"
)

const cliName = "talkctl"

// Streams are the terminal streams a command reads and writes.
type Streams struct {
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer
}

// OSStreams returns the process streams.
func OSStreams() Streams {
	return Streams{In: os.Stdin, Out: os.Stdout, ErrOut: os.Stderr}
}

// app carries what every command needs.
type app struct {
	cfg        *config.Config
	streams    Streams
	categories *category.Registry
	verbose    bool
	logger     *zap.Logger

	// outMu serializes writes from push handlers and the command goroutine.
	outMu sync.Mutex
}

func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.streams.Out, format, args...)
}

func (a *app) errorf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.streams.ErrOut, format, args...)
}

// NewRootCmd builds the command tree over cfg. Client flags override the
// values loaded from the environment.
func NewRootCmd(cfg *config.Config, streams Streams) *cobra.Command {
	a := &app{
		cfg:        cfg,
		streams:    streams,
		categories: category.NewRegistry(),
		logger:     zap.NewNop(),
	}

	rootCmd := &cobra.Command{
		Use:           cliName,
		Short:         "Talk to apartment management from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logCfg := a.cfg.Logger
			logCfg.Output = "stderr"
			logCfg.Format = "console"
			logCfg.Level = "warn"
			if a.verbose {
				logCfg.Level = "debug"
			}
			logger, err := observability.NewLogger(logCfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = a.logger.Sync()
		},
	}
	rootCmd.SetIn(streams.In)
	rootCmd.SetOut(streams.Out)
	rootCmd.SetErr(streams.ErrOut)

	// parses all flags not just the target command
	rootCmd.TraverseChildren = true

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.Client.BaseURL, "base-url", cfg.Client.BaseURL, "Chat REST API base URL.")
	flags.StringVar(&cfg.Client.WSURL, "ws-url", cfg.Client.WSURL, "Chat gateway websocket URL.")
	flags.StringVar(&cfg.Client.Token, "token", cfg.Client.Token, "Bearer token of the resident.")
	flags.StringVar(&cfg.Client.Lang, "lang", cfg.Client.Lang, "Language of category names (ko, en).")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Log client activity to stderr.")

	addCommands(rootCmd, a)
	return rootCmd
}

func addCommands(rootCmd *cobra.Command, a *app) {
	rootCmd.AddCommand(newCategoriesCmd(a))
	rootCmd.AddCommand(newStatusCmd(a))
	rootCmd.AddCommand(newStartCmd(a))
	rootCmd.AddCommand(newHistoryCmd(a))
	rootCmd.AddCommand(newOpenCmd(a))
	rootCmd.AddCommand(newCloseCmd(a))
	rootCmd.AddCommand(newReadCmd(a))
	rootCmd.AddCommand(newChatCmd(a))
	rootCmd.AddCommand(newTokenCmd(a))
}

// Execute loads the configuration and runs the command line. It returns the
// process exit code.
func Execute(ctx context.Context, streams Streams, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(streams.ErrOut, "failed to load config: %v\n", err)
		return 1
	}
	rootCmd := NewRootCmd(cfg, streams)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(streams.ErrOut, "Error: %v\n", err)
		return 1
	}
	return 0
}
