package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/config"
	"github.com/always-cache/shellcache/host"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to fetch from (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.IntVar(&portFlag, "port", config.DefaultPort, "Port to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", config.DefaultDB, "Cache DB file name, 'memory' for in-memory db (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// loadConfig reads the config file and environment, then applies the flags that were
// set explicitly on the command line.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFilenameFlag)
	if err != nil {
		return cfg, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			cfg.Origin = originFlag
		case "host":
			cfg.Host = hostFlag
		case "port":
			cfg.Port = portFlag
		case "db":
			cfg.DB = dbFilenameFlag
		}
	})
	return cfg, nil
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	scope, err := cfg.Scope()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	// set up sqlite storage
	dbFilename := cfg.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	storage, err := cache.NewSQLiteStorage(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache DB")
	}
	defer storage.Close()

	network, err := originNetwork(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	srv := &server{
		load:    loadConfig,
		storage: storage,
		runtime: host.NewRuntime(passthrough(scope, network), log.Logger),
		network: originNetwork,
		log:     log.Logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// a failed install leaves requests going straight to the origin
	if _, err := srv.Install(ctx); err != nil {
		log.Error().Err(err).Msg("Could not install")
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(),
	}
	go func() {
		log.Info().Msgf("Serving %s on port %v from %s (version '%s')", scope.String(), cfg.Port, cfg.Origin, cfg.Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	// wait for cache writes started by the last requests
	srv.runtime.Drain()
}
