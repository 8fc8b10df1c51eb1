package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"StudyChat/internal/chatbot"
	"StudyChat/internal/config"
)

func main() {
	var (
		configPath     string
		gatewayURL     string
		agentURL       string
		userID         string
		sessionID      string
		debug          bool
		logDir         string
		dbPath         string
		revealDelay    time.Duration
		callTimeout    time.Duration
		persistRetries int
		style          string
		wordWrap       int
		cacheUploads   bool
		cacheTTL       time.Duration
	)

	defaults := config.Default()
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	flag.StringVar(&gatewayURL, "gateway-url", defaults.GatewayURL, "Base URL of the study gateway")
	flag.StringVar(&agentURL, "agent-url", "", "Separate agent endpoint (http(s):// or ws(s):// for JSON-RPC)")
	flag.StringVar(&userID, "user-id", "", "User the conversations belong to")
	flag.StringVar(&sessionID, "session-id", "", "Resume an existing conversation by ID")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.StringVar(&logDir, "log-dir", defaults.LogDir, "Directory for logs, traces and metrics")
	flag.StringVar(&dbPath, "db", defaults.DBPath, "Path to the local SQLite database")
	flag.DurationVar(&revealDelay, "reveal-delay", defaults.RevealDelay, "Delay between revealed words")
	flag.DurationVar(&callTimeout, "call-timeout", defaults.CallTimeout, "Timeout for each gateway call")
	flag.IntVar(&persistRetries, "persist-retries", defaults.PersistRetries, "Retries for a failed attachment upload")
	flag.StringVar(&style, "style", defaults.Style, "Markdown style (auto, dark, light, notty, ...)")
	flag.IntVar(&wordWrap, "word-wrap", defaults.WordWrap, "Column to wrap replies at")
	flag.BoolVar(&cacheUploads, "cache-uploads", defaults.CacheUploads, "Reuse remote ids of identical attachments instead of uploading again")
	flag.DurationVar(&cacheTTL, "cache-ttl", defaults.CacheTTL, "How long a cached upload stays reusable (0 keeps it until exit)")

	flag.Parse()

	cfg := defaults
	if configPath != "" {
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}

	// flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "gateway-url":
			cfg.GatewayURL = gatewayURL
		case "agent-url":
			cfg.AgentURL = agentURL
		case "user-id":
			cfg.UserID = userID
		case "session-id":
			cfg.SessionID = sessionID
		case "debug":
			cfg.Debug = debug
		case "log-dir":
			cfg.LogDir = logDir
		case "db":
			cfg.DBPath = dbPath
		case "reveal-delay":
			cfg.RevealDelay = revealDelay
		case "call-timeout":
			cfg.CallTimeout = callTimeout
		case "persist-retries":
			cfg.PersistRetries = persistRetries
		case "style":
			cfg.Style = style
		case "word-wrap":
			cfg.WordWrap = wordWrap
		case "cache-uploads":
			cfg.CacheUploads = cacheUploads
		case "cache-ttl":
			cfg.CacheTTL = cacheTTL
		}
	})

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
