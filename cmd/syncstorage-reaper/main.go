package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/config"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/log"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/reaper"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "syncstorage-reaper",
	Short:   "Sweep expired BSOs and stale batch buffers out of every shard",
	Version: Version,
	RunE:    runReaper,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("syncstorage-reaper %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("data-dir", config.EnvOrDefault("SYNCSTORAGE_DATA_DIR", "./data"), "directory holding the bbolt shard files")
	rootCmd.Flags().Int("shards", config.EnvIntOrDefault("SYNCSTORAGE_SHARDS", 1), "number of bbolt shards")
	rootCmd.Flags().Duration("purge-interval", config.EnvDurationOrDefault("SYNCSTORAGE_PURGE_INTERVAL", time.Hour), "time between full sweeps")
	rootCmd.Flags().Duration("inter-backend-sleep", config.EnvDurationOrDefault("SYNCSTORAGE_INTER_BACKEND_SLEEP", 6*time.Minute), "pause between shards within one sweep")
	rootCmd.Flags().Int("max-per-loop", config.EnvIntOrDefault("SYNCSTORAGE_MAX_PER_LOOP", 1000), "max rows purged per shard per pass")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "emit logs as JSON")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.Flags().GetString("log-level")
		jsonOut, _ := rootCmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	})
}

func runReaper(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	shards, _ := cmd.Flags().GetInt("shards")
	purgeInterval, _ := cmd.Flags().GetDuration("purge-interval")
	interBackendSleep, _ := cmd.Flags().GetDuration("inter-backend-sleep")
	maxPerLoop, _ := cmd.Flags().GetInt("max-per-loop")

	n, err := config.ParseShardCount(shards)
	if err != nil {
		return err
	}

	logger := log.WithComponent("syncstorage-reaper")

	backend, err := store.NewBoltStore(dataDir, n)
	if err != nil {
		return fmt.Errorf("opening durable store at %s: %w", dataDir, err)
	}
	defer backend.Close()

	r := reaper.New([]store.Store{backend}, reaper.Config{
		PurgeInterval:     purgeInterval,
		InterBackendSleep: interBackendSleep,
		MaxPerLoop:        maxPerLoop,
	})

	logger.Info().Str("data_dir", dataDir).Int("shards", n).Dur("purge_interval", purgeInterval).Msg("starting reaper")
	r.Start()
	defer r.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down reaper")
	return nil
}
