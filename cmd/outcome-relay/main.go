// Package main provides the outcome-relay binary. The relay accepts envelopes
// from SDKs, drops what its filters, sampling and quotas reject, forwards the
// rest upstream and reports every drop in its own client reports.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/getsentry/clientreport/internal/debuglog"
	"github.com/getsentry/clientreport/internal/relay"
	"github.com/getsentry/clientreport/internal/report"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const appName = "outcome-relay"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Envelope relay that reports what it drops",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd(), decodeCmd(), versionCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		devLogs    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay.

Configuration is read from the YAML file given with --config and then from
OUTCOME_RELAY_* environment variables, which take precedence.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(logLevel, devLogs)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := relay.LoadConfig(configPath)
			if err != nil {
				return err
			}

			if logger.Core().Enabled(zapcore.DebugLevel) {
				debugLogger, err := zap.NewStdLogAt(logger.Named("clientreport"), zapcore.DebugLevel)
				if err != nil {
					return err
				}
				debuglog.SetLogger(debugLogger)
			} else {
				debuglog.SetOutput(io.Discard)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting relay",
				zap.String("version", relay.Version),
				zap.String("listen_addr", cfg.ListenAddr),
				zap.Duration("flush_interval", cfg.FlushInterval),
			)
			return relay.New(cfg, logger).Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&devLogs, "dev", false, "Human readable console logs")
	return cmd
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func decodeCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Validate and pretty-print a client report payload",
		Long: `Validate and pretty-print a client report payload read from file, or from
stdin when no file is given. With --role leaf, relay-only lists are an error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r report.Role
			switch role {
			case "leaf":
				r = report.RoleLeaf
			case "relay":
				r = report.RoleRelay
			default:
				return fmt.Errorf("unknown role %q, want leaf or relay", role)
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return decode(in, cmd.OutOrStdout(), r)
		},
	}

	cmd.Flags().StringVar(&role, "role", "relay", "Role of the sender (leaf, relay)")
	return cmd
}

func decode(in io.Reader, out io.Writer, role report.Role) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	r, err := report.Decode(payload)
	if err != nil {
		return err
	}
	if err := r.CheckRole(role); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, relay.Version)
		},
	}
}
