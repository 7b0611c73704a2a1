package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"NextMind/internal/chatbot"
	"NextMind/internal/config"

	"github.com/joho/godotenv"
)

func main() {
	var (
		configPath string
		flagCfg    config.Config
	)

	flag.StringVar(&configPath, "config", "", "Path to a TOML config file")
	flag.StringVar(&flagCfg.APIBaseURL, "api-url", config.DefaultAPIBaseURL, "Chat API base URL")
	flag.StringVar(&flagCfg.WSBaseURL, "ws-url", config.DefaultWSBaseURL, "Live suggestion WebSocket base URL")
	flag.StringVar(&flagCfg.DBPath, "db", "nextmind.db", "Path to the local session cache")
	flag.StringVar(&flagCfg.LogDir, "log-dir", "logs", "Directory for log, trace and metric files")
	flag.StringVar(&flagCfg.SessionID, "session-id", "", "Open an existing session by ID")
	flag.BoolVar(&flagCfg.Debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&flagCfg.Telemetry, "telemetry", false, "Export traces and metrics to the log directory")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg := config.Default()
	if configPath != "" {
		if err := config.LoadFile(configPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	config.ApplyEnv(&cfg)

	// explicit flags win over the file and the environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-url":
			cfg.APIBaseURL = flagCfg.APIBaseURL
		case "ws-url":
			cfg.WSBaseURL = flagCfg.WSBaseURL
		case "db":
			cfg.DBPath = flagCfg.DBPath
		case "log-dir":
			cfg.LogDir = flagCfg.LogDir
		case "session-id":
			cfg.SessionID = flagCfg.SessionID
		case "debug":
			cfg.Debug = flagCfg.Debug
		case "telemetry":
			cfg.Telemetry = flagCfg.Telemetry
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}

	if err := bot.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if err := bot.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
