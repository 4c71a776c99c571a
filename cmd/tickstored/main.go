// tickstored is the market tick storage and aggregation daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/arenx/tickstore/internal/logging"
	"github.com/arenx/tickstore/internal/storage"
	"github.com/arenx/tickstore/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "", "config file path (defaults plus env when empty)")
	envFile := flag.String("env-file", "", "load environment overrides from a .env file")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "emit JSON logs")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tickstored %s\n", Version)
		return
	}

	logging.Init(logging.ParseLevel(*logLevel), *logJSON)
	log := logging.Component("main")
	log.Info("tickstored starting", "version", Version)

	// Env overrides are applied during config load, so the .env file has to
	// be in the environment before then.
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Error("load env file", "path", *envFile, "error", err)
			os.Exit(1)
		}
	}

	var cfg *config.Config
	var err error
	if *cfgPath != "" {
		cfg, err = config.Load(*cfgPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	svc, err := storage.New(cfg)
	if err != nil {
		log.Error("create storage service", "error", err)
		os.Exit(1)
	}

	if err := svc.Start(); err != nil {
		log.Error("start storage service", "error", err)
		os.Exit(1)
	}

	log.Info("tickstored running",
		"data_dir", cfg.DataDir,
		"mode", cfg.Ingestion.Mode,
		"wal_sync", cfg.WAL.SyncMode,
		"tick_chunk_width", cfg.Chunks.TickWidth,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if err := svc.Stop(); err != nil {
		log.Warn("stop storage service", "error", err)
	}

	stats := svc.Stats()
	log.Info("stopped",
		"uptime", stats.Uptime,
		"ticks_appended", stats.Ticks.Appended,
		"chunks_sealed", stats.Ticks.ChunksSealed,
		"chunks_compressed", stats.Compression.ChunksCompressed,
	)
}
