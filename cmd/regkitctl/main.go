package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"regkit/internal/ctxlog"
	"regkit/internal/tracing"
	"regkit/pkg/regkit"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(viper.New(), stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// app carries the settings shared by every command.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
}

type settings struct {
	StoreKind     string
	DBPath        string
	ArtifactsDir  string
	ExportsDir    string
	LogLevel      string
	LogFormat     string
	TraceExporter string
	TraceFile     string
	TraceEndpoint string
}

func newRootCmd(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: v, stdout: stdout, stderr: stderr}
	var settingsFile string

	root := &cobra.Command{
		Use:           "regkitctl",
		Short:         "Multi-resolution image registration",
		Long:          `Run declarative coarse-to-fine image registrations and inspect their results.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if settingsFile == "" {
				return nil
			}
			v.SetConfigFile(settingsFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read settings: %w", err)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&settingsFile, "settings", "", "settings file (yaml) for the flags below")
	flags.String("store", "", "store backend: memory|sqlite (default depends on build tags)")
	flags.String("db-path", "regkit.db", "sqlite database path")
	flags.String("artifacts-dir", "runs", "directory for run artifacts")
	flags.String("exports-dir", "exports", "default export directory")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "text", "log format: text|json")
	flags.String("trace-exporter", tracing.ExporterNone, "span exporter: none|stdout|file|otlp")
	flags.String("trace-file", "traces.jsonl", "span file for the file exporter")
	flags.String("trace-endpoint", tracing.DefaultConfig().OTLPEndpoint, "OTLP gRPC endpoint")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("REGKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(
		a.registerCmd(),
		a.validateCmd(),
		a.runsCmd(),
		a.levelsCmd(),
		a.historyCmd(),
		a.exportCmd(),
		a.kindsCmd(),
		a.phantomCmd(),
	)
	return root
}

func (a *app) settings() settings {
	return settings{
		StoreKind:     a.v.GetString("store"),
		DBPath:        a.v.GetString("db-path"),
		ArtifactsDir:  a.v.GetString("artifacts-dir"),
		ExportsDir:    a.v.GetString("exports-dir"),
		LogLevel:      a.v.GetString("log-level"),
		LogFormat:     a.v.GetString("log-format"),
		TraceExporter: a.v.GetString("trace-exporter"),
		TraceFile:     a.v.GetString("trace-file"),
		TraceEndpoint: a.v.GetString("trace-endpoint"),
	}
}

// client opens the facade described by the current settings. The returned
// func closes the store and flushes spans.
func (a *app) client(ctx context.Context) (*regkit.Client, func(), error) {
	s := a.settings()
	logger := ctxlog.New(s.LogLevel, s.LogFormat, a.stderr)

	traceCfg := tracing.DefaultConfig()
	traceCfg.Enabled = s.TraceExporter != "" && s.TraceExporter != tracing.ExporterNone
	traceCfg.Exporter = s.TraceExporter
	traceCfg.FilePath = s.TraceFile
	traceCfg.OTLPEndpoint = s.TraceEndpoint
	provider, err := tracing.NewProvider(ctx, traceCfg)
	if err != nil {
		return nil, nil, err
	}

	client, err := regkit.New(regkit.Options{
		StoreKind:    s.StoreKind,
		DBPath:       s.DBPath,
		ArtifactsDir: s.ArtifactsDir,
		ExportsDir:   s.ExportsDir,
		Logger:       logger,
		Tracer:       provider.Tracer(),
	})
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("close store failed", "error", err)
		}
		if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("flush spans failed", "error", err)
		}
	}
	return client, cleanup, nil
}
