// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"anonchat-client/internal/app"
	"anonchat-client/internal/config"

	"github.com/google/uuid"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("anonchat-client v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	dataDir := "."
	if args := flag.Args(); len(args) > 0 {
		dataDir = args[0]
	}

	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid data directory: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot create data directory: %v\n", err)
		os.Exit(1)
	}

	cfgPath := filepath.Join(absDir, "anonchat.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	// A stable user id makes friendships survive restarts. Generate one the
	// first time and write it back.
	if cfg.User.ID == "" {
		cfg.User.ID = uuid.NewString()
		if err := config.Save(cfgPath, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to persist user id: %v\n", err)
			os.Exit(1)
		}
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Client failed: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("anonchat-client - anonymous one-to-one chat client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  anonchat-client [directory]")
	fmt.Println()
	fmt.Println("  The directory holds anonchat.json and the friends database.")
	fmt.Println("  It is created with defaults on first run. Defaults to the")
	fmt.Println("  current directory.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run with a dedicated data directory")
	fmt.Println("  anonchat-client ./data/alice")
	fmt.Println()
	fmt.Println("  # Drive the session from the local API")
	fmt.Println("  curl -X POST http://127.0.0.1:8642/api/session/start")
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Anonchat Client                     ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Data Directory: %s\n", dataDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.User.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.User.DisplayName)
	}
	fmt.Printf("Backend:        %s\n", cfg.Server.SignalingURL)
	fmt.Println()
	fmt.Printf("🌐 Local API:   http://%s\n", app.NormalizeLocalAddr(cfg.API.HTTPAddr))
	fmt.Println()
	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
