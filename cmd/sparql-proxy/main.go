package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/drone/envsubst"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	ver "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/ad-freiburg/sparql-proxy/pkg/backend"
	"github.com/ad-freiburg/sparql-proxy/pkg/handler"
	"github.com/ad-freiburg/sparql-proxy/pkg/nameservice"
	"github.com/ad-freiburg/sparql-proxy/pkg/querier"
)

const appName = "sparql-proxy"

// Version is set via build flag -ldflags -X main.Version
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision

	prometheus.MustRegister(ver.NewCollector(appName))
}

func main() {
	os.Exit(run())
}

func run() int {
	// Handle example config before loading config
	for _, arg := range os.Args[1:] {
		if arg == "-config.example" || arg == "--config.example" {
			fmt.Print(ExampleConfig())
			return 0
		}
	}

	cfg, flags, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		return 1
	}
	if flags.printVersion {
		fmt.Println(version.Print(appName))
		return 0
	}

	// Initialize logger
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = level.NewFilter(logger, logLevelOption(cfg.LogLevel))

	// Check config and log warnings
	configValid := true
	if warnings := cfg.CheckConfig(); len(warnings) != 0 {
		level.Warn(logger).Log("msg", "-- CONFIGURATION WARNINGS --")
		for _, w := range warnings {
			output := []any{"msg", w.Message}
			if w.Explain != "" {
				output = append(output, "explain", w.Explain)
			}
			level.Warn(logger).Log(output...)
		}
		configValid = false
	}

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		return 1
	}

	// Exit if config.verify flag is true
	if flags.configVerify {
		if !configValid {
			return 1
		}
		level.Info(logger).Log("msg", "configuration is valid")
		return 0
	}

	level.Info(logger).Log(
		"msg", "starting SPARQL Proxy",
		"version", Version,
		"log_level", cfg.LogLevel,
	)

	// Backend 1 is the primary; backend 2 carries the cache handling
	// flags and doubles as the name service probe backend.
	backend1, err := backend.New(backend.Config{
		URL:     cfg.Backend1,
		Timeout: cfg.Timeout1,
		ID:      1,
	}, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create backend 1", "err", err)
		return 1
	}
	backend2, err := backend.New(backend.Config{
		URL:               cfg.Backend2,
		Timeout:           cfg.Timeout2,
		ID:                2,
		PinResults:        cfg.PinResultsBackend2,
		ClearCacheOnStart: cfg.ClearCacheBackend2,
		ShowCacheStats:    cfg.ShowCacheStatsBackend2,
	}, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create backend 2", "err", err)
		return 1
	}
	backend2.ShowCacheStats()
	level.Info(logger).Log("msg", "timeout for single-backend queries", "timeout", cfg.TimeoutNormal)

	// Create the name service when at least one triple is configured.
	// Probe queries go to backend 2.
	addTriples, err := cfg.AddTripleConfigs()
	if err != nil {
		level.Error(logger).Log("msg", "invalid -add-triple configuration", "err", err)
		return 1
	}
	var nameService *nameservice.Service
	if len(addTriples) > 0 {
		nameService = nameservice.New(backend2, cfg.SubjectVarSuffix, addTriples, logger)
		level.Info(logger).Log("msg", "name service is ACTIVE (queries to backend 1, probes to backend 2)")
		for _, c := range addTriples {
			level.Info(logger).Log("msg", "name service config", "config", c.String())
		}
	} else {
		level.Info(logger).Log("msg", "name service is NOT active, see -help for how to activate")
	}

	q := querier.New(backend1, backend2, cfg.TimeoutNormal, nameService, logger)
	h := handler.New(q, logger)

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.HTTPListenAddress, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Handle graceful shutdown
	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		level.Info(logger).Log("msg", "shutting down server...")
		if err := server.Close(); err != nil {
			level.Error(logger).Log("msg", "error during shutdown", "err", err)
		}
		done <- true
	}()

	level.Info(logger).Log("msg", "listening to GET requests", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		level.Error(logger).Log("msg", "server error", "err", err)
		return 1
	}

	<-done
	level.Info(logger).Log("msg", "server stopped")
	return 0
}

type cliFlags struct {
	printVersion bool
	configVerify bool
}

func loadConfig() (*Config, cliFlags, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
		configVerifyOption    = "config.verify"
	)

	var (
		configFile      string
		configExpandEnv bool
		flags           cliFlags
	)

	args := os.Args[1:]
	config := &Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")
	fs.BoolVar(&flags.configVerify, configVerifyOption, false, "")

	// Try to find -config.file & -config.expand-env flags. As Parsing
	// stops on the first error, eg. unknown flag, we simply try remaining
	// parameters until we find config flag, or there are no params left.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// load config defaults and register flags
	mainFS := flag.NewFlagSet(appName, flag.ContinueOnError)
	mainFS.SetOutput(os.Stderr)
	config.RegisterFlagsAndApplyDefaults("", mainFS)
	mainFS.BoolVar(&flags.printVersion, "version", false, "Print version and exit.")

	// overlay with config file if provided
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, flags, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, flags, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}

		err = yaml.UnmarshalStrict(buff, config)
		if err != nil {
			return nil, flags, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// overlay with cli
	flagext.IgnoredFlag(mainFS, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(mainFS, configExpandEnvOption, "Whether to expand environment variables in config file")
	flagext.IgnoredFlag(mainFS, configVerifyOption, "Verify configuration and exit")
	if err := mainFS.Parse(os.Args[1:]); err != nil {
		return nil, flags, err
	}

	return config, flags, nil
}

func logLevelOption(logLevel string) level.Option {
	switch logLevel {
	case "DEBUG":
		return level.AllowDebug()
	case "ERROR":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
