// Command wb-demo drives an in-memory writeback engine so the queue
// lifecycle can be watched end to end without any real storage.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	writeback "github.com/ehrlich-b/go-writeback"
	"github.com/ehrlich-b/go-writeback/backend"
	"github.com/ehrlich-b/go-writeback/internal/logging"
)

func main() {
	var (
		device      = pflag.String("device", "dev0", "name of the simulated backing device")
		inodes      = pflag.Int("inodes", 16, "number of inodes to create and keep dirtying")
		pages       = pflag.Int64("pages", 8, "dirty pages per inode on each redirty tick")
		redirtyEach = pflag.Duration("redirty-interval", 2*time.Second, "how often to redirty every inode")
		verbose     = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	mem := backend.NewMemory()
	metrics := &writeback.Metrics{}

	engine := writeback.NewEngine(writeback.Options{
		Collaborator: mem,
		Observer:     metrics,
		Logger:       logger,
	})
	defer engine.Close()

	if _, err := engine.RegisterBDI(*device); err != nil {
		logger.Error("failed to register backing device", "error", err)
		os.Exit(1)
	}

	ids := make([]uint64, *inodes)
	for i := range ids {
		id, err := engine.NewInode(*device, 1, uint64(i+1))
		if err != nil {
			logger.Error("failed to create inode", "error", err)
			os.Exit(1)
		}
		ids[i] = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*redirtyEach)
	defer ticker.Stop()

	reportTicker := time.NewTicker(5 * time.Second)
	defer reportTicker.Stop()

	logger.Info("wb-demo running", "device", *device, "inodes", *inodes)
	fmt.Printf("redirtying %d inodes every %s; Ctrl+C to stop\n", *inodes, *redirtyEach)

	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			return
		case <-ticker.C:
			for i, id := range ids {
				mem.SetMappingPages(uint64(i+1), *pages)
				if err := engine.MarkDirty(*device, id, writeback.DirtyPages|writeback.DirtySync); err != nil {
					logger.Error("mark dirty failed", "error", err)
				}
			}
			engine.WakeupFlushers()
		case <-reportTicker.C:
			snap := metrics.Snapshot()
			fmt.Printf("writepages=%d pages=%d writeinode=%d\n",
				snap.WritepagesCalls, snap.WritepagesPages, snap.WriteInodeCalls)
		case <-ctx.Done():
			return
		}
	}
}
