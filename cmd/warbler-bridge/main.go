// warbler-bridge hosts the protocol engine in its own process and serves it
// to the main binary over the bridge plugin protocol.
package main

import (
	"log"
	"path/filepath"
	"time"

	"github.com/warbler-im/warbler/internal/backend"
	"github.com/warbler-im/warbler/internal/config"
	"github.com/warbler-im/warbler/internal/engine"
	"github.com/warbler-im/warbler/internal/event"
	"github.com/warbler-im/warbler/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logPath := filepath.Join(cfg.General.DataDir, "warbler-bridge.log")
	logger, err := logging.New(logPath, cfg.Logging.Level, false)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logger.Sync()

	bus := event.NewBus()
	ecfg := engine.Config{
		ArchivePageSize: cfg.History.PageSize,
		ArchiveTimeout:  time.Duration(cfg.History.ArchiveTimeoutSeconds) * time.Second,
	}
	be, err := backend.Select(backend.ModeEngine, "", ecfg, bus, logger)
	if err != nil {
		log.Fatalf("Failed to build backend: %v", err)
	}
	defer be.Close()

	backend.Serve(be)
}
