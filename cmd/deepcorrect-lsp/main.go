package main

import (
	"context"
	"errors"
	"expvar" // For publishing metrics
	"flag"
	"io"
	stlog "log" // Renamed standard log
	"log/slog"
	"net/http"         // For pprof/expvar server
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"runtime"

	"github.com/shehackedyou/deepcorrect"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = "dev"

func main() {
	logPath := flag.String("log-file", "deepcorrect-lsp.log", "Path of the server log file")
	debugAddr := flag.String("debug-addr", "", "Address for the pprof/expvar debug server (disabled when empty)")
	configPath := flag.String("config", "", "Config file to watch for live reload (default: first standard config path)")
	flag.Parse()

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		stlog.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	// The level starts at info and follows the config from here on.
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)
	logWriter := io.MultiWriter(os.Stderr, logFile)
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: levelVar, AddSource: true}))
	slog.SetDefault(logger)

	corrector, initErr := deepcorrect.NewCorrector(logger)
	if initErr != nil {
		logger.Error("Failed to initialize Corrector service", "error", initErr)
		if !errors.Is(initErr, deepcorrect.ErrConfig) || corrector == nil {
			os.Exit(1)
		}
	}
	defer func() {
		slog.Info("Closing Corrector service...")
		if err := corrector.Close(); err != nil {
			slog.Error("Error closing corrector", "error", err)
		}
	}()

	initialConfig := corrector.GetCurrentConfig()
	if logLevel, parseErr := deepcorrect.ParseLogLevel(initialConfig.LogLevel); parseErr == nil {
		levelVar.Set(logLevel)
	} else {
		logger.Warn("Invalid log level in config, using default 'info'", "config_level", initialConfig.LogLevel, "error", parseErr)
	}
	slog.Info("DeepCorrect LSP server starting...", "version", appVersion, "log_level", levelVar.Level().String())
	if initErr != nil {
		slog.Warn("Corrector initialized with configuration warnings", "error", initErr)
	}

	if *debugAddr != "" {
		runtime.SetBlockProfileRate(1)
		runtime.SetMutexProfileFraction(1)
		startDebugServer(*debugAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchPath := *configPath
	if watchPath == "" {
		primary, secondary, pathErr := deepcorrect.GetConfigPaths(logger)
		if pathErr != nil {
			logger.Warn("Config watcher disabled: no config path", "error", pathErr)
		}
		watchPath = primary
		if watchPath == "" {
			watchPath = secondary
		}
	}
	if watchPath != "" {
		go func() {
			err := deepcorrect.WatchConfigFile(ctx, watchPath, logger, func(cfg deepcorrect.Config) {
				if err := corrector.UpdateConfig(cfg); err != nil {
					return
				}
				if level, err := deepcorrect.ParseLogLevel(cfg.LogLevel); err == nil {
					levelVar.Set(level)
				}
			})
			if err != nil {
				logger.Warn("Config watcher stopped", "error", err)
			}
		}()
	}

	lspServer := deepcorrect.NewServer(corrector, logger, appVersion, deepcorrect.WithLogLevelVar(levelVar))
	lspServer.Run(os.Stdin, os.Stdout)

	if !lspServer.ShutdownRequested() {
		slog.Warn("Client exited without shutdown request")
		cancel()
		corrector.Close()
		os.Exit(1)
	}
	slog.Info("LSP server has shut down gracefully.")
}

// startDebugServer starts the HTTP server for pprof and expvar.
func startDebugServer(addr string) {
	go func() {
		slog.Info("Starting debug server for pprof/expvar", "addr", addr)
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
		debugMux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
		if err := http.ListenAndServe(addr, debugMux); err != nil {
			slog.Error("Debug server failed", "error", err)
		}
	}()
}
