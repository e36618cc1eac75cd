package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	v1 "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1"
	kverrors "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/errors"
	kvlog "github.com/gxo-labs/kvsettings/pkg/kvsettings/v1/log"

	"github.com/gxo-labs/kvsettings/internal/config"
	"github.com/gxo-labs/kvsettings/internal/events"
	"github.com/gxo-labs/kvsettings/internal/logger"
	"github.com/gxo-labs/kvsettings/internal/metrics"
	"github.com/gxo-labs/kvsettings/internal/store"
	"github.com/gxo-labs/kvsettings/internal/tracing"
)

const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitUsageError      = 2
	ExitSigIntBase      = 128
	ExitSigInt          = ExitSigIntBase + int(syscall.SIGINT)
	DefaultEventBusSize = 256
	shutdownTimeout     = 5 * time.Second
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

type options struct {
	configPath  string
	storagePath string
	storageType string
	logLevel    string
	logFormat   string
	metricsAddr string
	cacheDelay  time.Duration
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "kvsettings version %s\n", version)
	fmt.Fprintf(w, "commit: %s\n", commit)
	fmt.Fprintf(w, "built: %s\n", buildDate)
	fmt.Fprintf(w, "go version: %s\n", runtime.Version())
	fmt.Fprintf(w, "os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `kvsettings manages a persistent key/value settings file.

Usage:
  kvsettings [flags] <command> [args]

Commands:
  demo                    run the example flow (creates the storage file if missing)
  list                    print every setting as key=kind:value
  get KEY                 print the value of KEY
  set KEY KIND VALUE      set KEY, creating it if needed (kinds: int32 bool float32 string ipv4 byte)
  clear                   remove every setting
  hash                    print the state hash of the map

Flags:
%s`, flagSet.FlagUsages())
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts options
	flagSet := pflag.NewFlagSet("kvsettings", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	flagSet.StringVarP(&opts.storagePath, "storage", "s", "", "storage file to attach (in addition to configured storages)")
	flagSet.StringVarP(&opts.storageType, "type", "t", "binary", "storage type of --storage (binary, text, eeprom, cbor)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the configuration")
	flagSet.StringVar(&opts.logFormat, "log-format", "", "log format (text, json); overrides the configuration")
	flagSet.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address and keep running until interrupted")
	flagSet.DurationVar(&opts.cacheDelay, "cache-delay", -1, "cached save delay; overrides the configuration (0 saves immediately)")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stdout, flagSet)
			return ExitSuccess
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsageError
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stdout, flagSet)
		return ExitSuccess
	}
	if *showVersion {
		printVersion(stdout)
		return ExitSuccess
	}

	cmdArgs := flagSet.Args()
	if len(cmdArgs) == 0 {
		fmt.Fprintln(stderr, "Error: a command is required")
		printHelp(stderr, flagSet)
		return ExitUsageError
	}
	cmd, ok := lookupCommand(cmdArgs[0])
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command %q\n", cmdArgs[0])
		return ExitUsageError
	}
	if len(cmdArgs)-1 != cmd.args {
		fmt.Fprintf(stderr, "Error: %s expects %d argument(s), got %d\n", cmd.name, cmd.args, len(cmdArgs)-1)
		return ExitUsageError
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.LoadFromFile(opts.configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return ExitFailure
		}
		cfg = loaded
	}
	level, format := cfg.GetLogLevel(), cfg.GetLogFormat()
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if opts.logFormat != "" {
		format = opts.logFormat
	}
	if format != "text" && format != "json" {
		fmt.Fprintln(stderr, "Error: --log-format must be 'text' or 'json'")
		return ExitUsageError
	}
	log := logger.NewLogger(level, format, stderr).With("kvsettings_version", version)

	storages, err := collectStorages(cfg, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitUsageError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewChannelEventBus(DefaultEventBusSize, log)
	defer bus.Close()
	var providerOpts []metrics.ProviderOption
	if opts.metricsAddr != "" {
		providerOpts = append(providerOpts, metrics.WithRuntimeCollectors())
	}
	metricsProvider, err := metrics.NewPrometheusRegistryProvider(providerOpts...)
	if err != nil {
		log.Errorf("Failed to register metrics: %v", err)
		return ExitFailure
	}
	listener := events.NewMetricsEventListener(bus, metricsProvider.Collectors(), log)
	go listener.Start(ctx)

	tracerProvider := tracing.NewProviderFromEnv(ctx, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Error shutting down tracer provider: %v", err)
		}
	}()

	storeOpts := append(cfg.StoreOptions(), v1.WithEventBus(bus), v1.WithTracerProvider(tracerProvider))
	if opts.cacheDelay >= 0 {
		storeOpts = append(storeOpts, v1.WithCacheDelay(opts.cacheDelay))
	}
	internalStore, err := store.NewStore(log, storeOpts...)
	if err != nil {
		log.Errorf("Failed to create settings store: %v", err)
		return ExitFailure
	}
	var settings v1.StoreV1 = internalStore

	var server *http.Server
	if opts.metricsAddr != "" {
		server = serveMetrics(opts.metricsAddr, metricsProvider, log)
	}

	cmdErr := runCommand(ctx, settings, cmd, cmdArgs[1:], storages, stdout, log)

	if server != nil && cmdErr == nil {
		log.Infof("Serving metrics on %s until interrupted", opts.metricsAddr)
		<-ctx.Done()
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelClose()
	if err := settings.Close(closeCtx); err != nil {
		log.Errorf("Failed to flush settings on close: %v", err)
		if cmdErr == nil {
			cmdErr = err
		}
	}
	if server != nil {
		if err := server.Shutdown(closeCtx); err != nil {
			log.Warnf("Error shutting down metrics server: %v", err)
		}
	}

	return exitCode(ctx, cmdErr, log)
}

// collectStorages returns the configured storages followed by --storage.
func collectStorages(cfg *config.Config, opts options) ([]config.StorageConfig, error) {
	storages := append([]config.StorageConfig(nil), cfg.Storages...)
	if opts.storagePath != "" {
		sc := config.StorageConfig{Path: opts.storagePath, Type: opts.storageType}
		if _, err := sc.Kind(); err != nil {
			return nil, err
		}
		storages = append(storages, sc)
	}
	return storages, nil
}

func serveMetrics(addr string, provider *metrics.PrometheusRegistryProvider, log kvlog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
	return server
}

func exitCode(ctx context.Context, err error, log kvlog.Logger) int {
	switch {
	case err == nil && ctx.Err() != nil:
		log.Warnf("Interrupted, shutting down")
		return ExitSigInt
	case err == nil:
		return ExitSuccess
	case errors.Is(err, context.Canceled):
		log.Warnf("Interrupted: %v", err)
		return ExitSigInt
	case errors.Is(err, errUsage):
		log.Errorf("%v", err)
		return ExitUsageError
	default:
		var vErr *kverrors.ValidationError
		if errors.As(err, &vErr) {
			log.Errorf("Invalid input: %v", err)
		} else {
			log.Errorf("Command failed: %v", err)
		}
		return ExitFailure
	}
}
