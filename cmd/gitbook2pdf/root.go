package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aluiziolira/gitbook2pdf/config"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// exitError carries the process exit code out of RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// NewRootCmd creates the gitbook2pdf command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gitbook2pdf [url]",
		Short: "Convert a GitBook site into a single PDF",
		Long: `gitbook2pdf discovers the table of contents of a GitBook site, fetches every
page and image on a pool of workers and assembles them, in table of contents
order, into one PDF with bookmarks and a linked contents page.

Pages that cannot be fetched appear as placeholders; the run still succeeds.
Settings are read from --config, ./.gitbook2pdf.yaml or the XDG config
directory, and command line flags override them.

Examples:
  gitbook2pdf https://example.gitbook.io/guide/
  gitbook2pdf https://example.gitbook.io/guide/ -o guide.pdf -w 8 -d 0.5
  gitbook2pdf https://example.gitbook.io/guide/ -p socks5://127.0.0.1:9050 -k`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRootCmd,
	}

	defaults := config.DefaultConfig()
	flags := cmd.Flags()
	flags.StringP("output", "o", defaults.OutputFile, "Output PDF file")
	flags.Float64P("delay", "d", defaults.Delay.Seconds(), "Seconds each worker waits after a successful request")
	flags.StringP("temp", "t", "", "Working directory for downloaded files (kept after the run)")
	flags.IntP("workers", "w", defaults.Concurrency, "Number of concurrent fetches")
	flags.BoolP("verbose", "v", false, "Enable debug logging")
	flags.BoolP("keep-temp", "k", false, "Keep the temporary directory after a successful run")
	flags.StringP("proxy", "p", "", "Proxy URL (http, https, socks5 or socks5h)")
	flags.String("config", "", "Configuration file path")
	flags.Duration("timeout", defaults.Timeout, "Timeout for each request attempt")
	flags.Int("retries", defaults.MaxRetries, "Retries after a failed attempt")
	flags.Float64("rate-limit", defaults.RateLimit, "Maximum requests per second across all workers (0 disables)")
	flags.Bool("respect-robots", defaults.RespectRobotsTxt, "Skip pages disallowed by robots.txt")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	flags.String("font", "", "UTF-8 TrueType font for the PDF")
	flags.String("page-size", defaults.PageSize, "PDF page size: A4, A5, Letter or Legal")

	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "gitbook2pdf:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "gitbook2pdf:", err)
	return exitFailure
}

func runRootCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, level := newLogger(os.Stdout, cfg.Verbose)
	app := &app{
		cfg:      cfg,
		logger:   logger,
		level:    level,
		out:      cmd.OutOrStdout(),
		progress: !cfg.Verbose && isTerminal(os.Stderr),
	}
	return app.run(cmd.Context())
}

// buildConfig layers defaults, the config file and explicitly set flags.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	flags := cmd.Flags()

	explicit, _ := flags.GetString("config")
	if path := config.FindFile(explicit); path != "" {
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	} else if explicit != "" {
		return nil, fmt.Errorf("%s: %w", explicit, config.ErrConfigNotFound)
	}

	if len(args) == 1 {
		cfg.RootURL = args[0]
	}
	if flags.Changed("output") {
		cfg.OutputFile, _ = flags.GetString("output")
	}
	if flags.Changed("delay") {
		seconds, _ := flags.GetFloat64("delay")
		cfg.Delay = time.Duration(seconds * float64(time.Second))
	}
	if flags.Changed("temp") {
		cfg.TempDir, _ = flags.GetString("temp")
	}
	if flags.Changed("workers") {
		cfg.Concurrency, _ = flags.GetInt("workers")
	}
	if flags.Changed("verbose") {
		cfg.Verbose, _ = flags.GetBool("verbose")
	}
	if flags.Changed("keep-temp") {
		cfg.KeepTemp, _ = flags.GetBool("keep-temp")
	}
	if flags.Changed("proxy") {
		cfg.ProxyURL, _ = flags.GetString("proxy")
	}
	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("retries") {
		cfg.MaxRetries, _ = flags.GetInt("retries")
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimit, _ = flags.GetFloat64("rate-limit")
	}
	if flags.Changed("respect-robots") {
		cfg.RespectRobotsTxt, _ = flags.GetBool("respect-robots")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("font") {
		cfg.FontFile, _ = flags.GetString("font")
	}
	if flags.Changed("page-size") {
		cfg.PageSize, _ = flags.GetString("page-size")
	}
	return cfg, nil
}
