package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/AntoineMLD/EngraveDetect/internal/config"
	"github.com/AntoineMLD/EngraveDetect/internal/logging"
	"github.com/AntoineMLD/EngraveDetect/internal/matcher"
	"github.com/AntoineMLD/EngraveDetect/internal/ocr"
	"github.com/AntoineMLD/EngraveDetect/internal/server"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Handle --version and -v flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Printf("engrave-mcp %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
			return
		case "--help", "-h", "help":
			fmt.Println("engrave-mcp - MCP server recognizing engraved lens symbols")
			fmt.Println()
			fmt.Println("Usage: engrave-mcp [options]")
			fmt.Println()
			fmt.Println("Options:")
			fmt.Println("  --version, -v    Print version information")
			fmt.Println("  --help, -h       Print this help message")
			fmt.Println()
			fmt.Println("Environment variables:")
			fmt.Printf("  %s=engrave.json   Configuration file\n", config.EnvFile)
			fmt.Printf("  %s=debug       Enable debug logging\n", logging.EnvLevel)
			fmt.Println()
			fmt.Println("The checkpoint and template bank named in the configuration must exist;")
			fmt.Println("build them with engravectl train and engravectl templates.")
			fmt.Println()
			fmt.Println("This server communicates via MCP protocol over stdin/stdout.")
			return
		}
	}

	// Configure logging to stderr (stdout is for MCP protocol)
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	cfgPath := config.Path("")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	level := cfg.LogLevel
	if env := os.Getenv(logging.EnvLevel); env != "" {
		level = env
	}
	logger := logging.New(level)
	logger.V(1).Info("starting", "version", Version, "built", BuildTime, "commit", GitCommit, "config", cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := matcher.NewEngine(ctx, config.Loader(cfgPath, logger))
	if err != nil {
		log.Fatalf("Failed to load recognizer: %v", err)
	}
	logger.Info("recognizer ready",
		"templates", engine.Matcher().Bank().Len(),
		"missing", engine.Matcher().Bank().Missing,
		"threshold", engine.Matcher().Threshold())

	srv := server.New(engine, ocr.NewReader(cfg.OCR), logger, Version)
	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Server error: %v", err)
	}
}
