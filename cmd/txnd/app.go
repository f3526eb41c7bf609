package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/txnd"
	"pkt.systems/txnd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("TXND_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "txnd")
	cmd := newRootCommand(baseLogger)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".txnd", txnd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg txnd.Config

	cmd := &cobra.Command{
		Use:           "txnd",
		Short:         "txnd hosts a slice of the transactional state space behind claim-chain authorization and two-phase settlement",
		SilenceErrors: true,
		Example: `
  # Run with a freshly generated identity
  txnd bundle new --host alpha --out alpha.pem
  txnd --bundle alpha.pem --listen :9410

  # Trust a peer host before forwarding calls to it
  txnd bundle export --bundle beta.pem --out beta-pub.pem
  txnd bundle trust --bundle alpha.pem beta-pub.pem

  # Expose Prometheus metrics and OTLP traces
  txnd --bundle alpha.pem --metrics-listen :9091 --otlp-endpoint grpc://localhost:4317
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			server, err := txnd.NewServer(cfg, txnd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = txnd.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.txnd/"+txnd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", txnd.DefaultListen, "listen address")
	flags.String("listen-proto", txnd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", txnd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", txnd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.StringP("bundle", "b", "", "path to host identity PEM bundle (see 'txnd bundle new')")
	flags.Duration("default-ttl", txnd.DefaultDefaultTTL, "default transaction TTL when begin omits one")
	flags.Duration("max-ttl", txnd.DefaultMaxTTL, "maximum transaction TTL")
	flags.Duration("sweep-interval", txnd.DefaultSweepInterval, "interval between expired-transaction sweeps")
	flags.Duration("registry-grace", txnd.DefaultRegistryGrace, "retention of settled transaction records for duplicate finalize replies")
	flags.String("max-value-bytes", humanizeBytes(txnd.DefaultMaxValueBytes), "maximum value payload size")
	flags.Bool("disable-storage-encryption", false, "disable kryptograf envelope encryption (plaintext at rest)")
	flags.Duration("fanout-timeout", txnd.DefaultFanoutTimeout, "per-participant timeout for finalize fan-out calls")
	flags.Int("fanout-attempts", txnd.DefaultFanoutMaxAttempts, "maximum attempts per participant during finalize fan-out")
	flags.Duration("fanout-base-delay", txnd.DefaultFanoutBaseDelay, "base backoff delay for finalize fan-out retries")
	flags.Duration("fanout-max-delay", txnd.DefaultFanoutMaxDelay, "maximum backoff delay for finalize fan-out retries")
	flags.Float64("fanout-multiplier", txnd.DefaultFanoutMultiplier, "backoff multiplier for finalize fan-out retries")
	flags.Duration("shutdown-timeout", txnd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry spans for HTTP handlers")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("TXND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"bundle", "default-ttl", "max-ttl", "sweep-interval", "registry-grace", "max-value-bytes",
		"disable-storage-encryption",
		"fanout-timeout", "fanout-attempts", "fanout-base-delay", "fanout-max-delay", "fanout-multiplier",
		"shutdown-timeout", "otlp-endpoint", "disable-http-tracing", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newBundleCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *txnd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.BundlePath = viper.GetString("bundle")
	cfg.DefaultTTL = viper.GetDuration("default-ttl")
	cfg.MaxTTL = viper.GetDuration("max-ttl")
	cfg.SweepInterval = viper.GetDuration("sweep-interval")
	cfg.RegistryGrace = viper.GetDuration("registry-grace")
	if raw := strings.TrimSpace(viper.GetString("max-value-bytes")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-value-bytes %q: %w", raw, err)
		}
		cfg.MaxValueBytes = int64(size)
	}
	cfg.DisableStorageEncryption = viper.GetBool("disable-storage-encryption")
	cfg.FanoutTimeout = viper.GetDuration("fanout-timeout")
	cfg.FanoutMaxAttempts = viper.GetInt("fanout-attempts")
	cfg.FanoutBaseDelay = viper.GetDuration("fanout-base-delay")
	cfg.FanoutMaxDelay = viper.GetDuration("fanout-max-delay")
	cfg.FanoutMultiplier = viper.GetFloat64("fanout-multiplier")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	return nil
}
