package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"commxr.com/rtclient/config"
	"commxr.com/rtclient/connection/realtimeconnection"
	"commxr.com/rtclient/envconfig"
	"commxr.com/rtclient/logger"
	"commxr.com/rtclient/sessionapi"
	"github.com/joho/godotenv"
)

// set at build time with -ldflags "-X main.version=..."
var version = "0.0.0-dev"

var (
	configPath, envFile       string
	wsUrl, apiUrl             string
	sessionId, token          string
	logLevel, logFile         string
	printVersion, checkHealth bool
)

const endSessionTimeout = 10 * time.Second

func main() {
	parseFlags()

	if printVersion {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func parseFlags() {
	flag.BoolVar(&printVersion, "version", false, "Print the current version and exit")
	flag.BoolVar(&checkHealth, "health", false, "Check the REST server's health and exit")

	flag.StringVar(&configPath, "config", "", "Yaml config file shared with other processes, optional")
	flag.StringVar(&envFile, "envFile", ".env", "Dotenv file loaded before reading configuration, skipped if missing")

	flag.StringVar(&wsUrl, "wsUrl", "", "Realtime server, e.g. wss://example.com or localhost:8000")
	flag.StringVar(&apiUrl, "apiUrl", "", "REST server used to start a session when -session is not given")
	flag.StringVar(&sessionId, "session", "", "Existing session id to join")
	flag.StringVar(&token, "token", "", "Bearer token, may be empty when the server bypasses auth")

	flag.StringVar(&logLevel, "logLevel", "", "The log level to use -- must be one of 'trace', 'debug', 'info', 'warn', 'error', 'disabled'")
	flag.StringVar(&logFile, "logFile", "", "Also log to this file, rotated")

	flag.Parse()
}

func run() error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	// flags are exported so they take precedence over the config file like any other override
	for id, value := range map[string]string{
		"ws-base-url":  wsUrl,
		"api-base-url": apiUrl,
		"token":        token,
		"log-level":    logLevel,
		"log-file":     logFile,
	} {
		if value != "" {
			os.Setenv(config.EnvVar(id), value)
		}
	}

	var ec envconfig.EnvConfig
	if configPath != "" {
		yamlConfig, err := envconfig.NewYamlEnvConfig(configPath)
		if err != nil {
			return err
		}
		ec = yamlConfig
	}

	cfg, err := config.Load(ec)
	if err != nil && !(checkHealth && cfg.APIBaseURL != "") {
		return err
	}

	// stdout carries the events
	log, err := logger.New(&logger.Config{
		Level:          cfg.LogLevel,
		FilePath:       cfg.LogFile,
		ConsoleWriters: []io.Writer{os.Stderr},
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	log.Infof("rtbridge %s starting", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var api *sessionapi.Client
	if cfg.APIBaseURL != "" {
		if api, err = sessionapi.New(log.GetComponentLogger("SessionAPI"), cfg.APIBaseURL, cfg.Token, cfg.APIRetryFor); err != nil {
			return err
		}
	}

	if checkHealth {
		if api == nil {
			return fmt.Errorf("checking health needs a REST server url")
		}
		health, err := api.Health(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("status: %s, model reachable: %t\n", health.Status, health.ModelReachable)
		return nil
	}

	id := sessionId
	if id == "" {
		if api == nil {
			return fmt.Errorf("either a session id or a REST server url to start a session with is required")
		}

		session, err := api.Start(ctx)
		if err != nil {
			return fmt.Errorf("failed to start a session: %w", err)
		}
		id = session.Id

		// only sessions we started are ours to end
		defer func() {
			endCtx, cancel := context.WithTimeout(context.Background(), endSessionTimeout)
			defer cancel()

			if _, err := api.End(endCtx, id); err != nil {
				log.Errorf("Failed to end session %s: %s", id, err)
			}
		}()
	}

	conn, err := realtimeconnection.New(log.GetComponentLogger("Connection").GetSessionLogger(id), cfg.Connection)
	if err != nil {
		return err
	}

	b := newBridge(log.GetComponentLogger("Bridge"), conn, id, cfg.Token, os.Stdout)
	conn.Subscribe(b)

	if err := conn.Connect(id, cfg.Token); err != nil {
		conn.Close()
		return err
	}

	runErr := b.run(ctx, os.Stdin)

	// delivers the last state changes before we stop writing
	conn.Close()
	<-conn.Done()

	log.Infof("rtbridge stopped")
	return runErr
}
