package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/cache"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/config"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/healthmon"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/log"
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
	Use:     "syncstorage-healthmon",
	Short:   "Ping every durable-store shard and publish its status to the cache layer",
	Version: Version,
	RunE:    runHealthmon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("syncstorage-healthmon %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("data-dir", config.EnvOrDefault("SYNCSTORAGE_DATA_DIR", "./data"), "directory holding the bbolt shard files")
	rootCmd.Flags().Int("shards", config.EnvIntOrDefault("SYNCSTORAGE_SHARDS", 1), "number of bbolt shards")
	rootCmd.Flags().String("redis-addr", config.EnvOrDefault("SYNCSTORAGE_REDIS_ADDR", "127.0.0.1:6379"), "address of the shared Redis instance")
	rootCmd.Flags().String("redis-password", config.EnvOrDefault("SYNCSTORAGE_REDIS_PASSWORD", ""), "Redis AUTH password, if any")
	rootCmd.Flags().Duration("interval", config.EnvDurationOrDefault("SYNCSTORAGE_HEALTHMON_INTERVAL", 60*time.Second), "time between ping rounds")
	rootCmd.Flags().Duration("ping-timeout", config.EnvDurationOrDefault("SYNCSTORAGE_HEALTHMON_PING_TIMEOUT", 30*time.Second), "per-backend ping deadline")
	rootCmd.Flags().Int("retries", config.EnvIntOrDefault("SYNCSTORAGE_HEALTHMON_RETRIES", 1), "consecutive failures before marking a backend unhealthy")
	rootCmd.Flags().String("metrics-addr", config.EnvOrDefault("SYNCSTORAGE_METRICS_ADDR", ":9090"), "address to serve /metrics on")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "emit logs as JSON")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.Flags().GetString("log-level")
		jsonOut, _ := rootCmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	})
}

func runHealthmon(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	shards, _ := cmd.Flags().GetInt("shards")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")
	redisPassword, _ := cmd.Flags().GetString("redis-password")
	interval, _ := cmd.Flags().GetDuration("interval")
	pingTimeout, _ := cmd.Flags().GetDuration("ping-timeout")
	retries, _ := cmd.Flags().GetInt("retries")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	n, err := config.ParseShardCount(shards)
	if err != nil {
		return err
	}

	logger := log.WithComponent("syncstorage-healthmon")

	backend, err := store.NewBoltStore(dataDir, n)
	if err != nil {
		return fmt.Errorf("opening durable store at %s: %w", dataDir, err)
	}
	defer backend.Close()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPassword})
	defer rdb.Close()
	cacheLayer := cache.NewRedisLayer(rdb)

	checkers := []healthmon.Checker{healthmon.NewStoreChecker("primary", backend)}
	monitor := healthmon.New(func() []healthmon.Checker { return checkers }, cacheLayer, healthmon.Config{
		Interval:    interval,
		PingTimeout: pingTimeout,
		Retries:     retries,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().Str("redis_addr", redisAddr).Dur("interval", interval).Msg("starting backend health monitor")
	monitor.Start()
	defer monitor.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down backend health monitor")
	return nil
}
