// Package config holds the plain configuration structs shared by the
// syncstorage daemons (reaper, healthmon). Values are populated by each
// cmd's cobra flags; this package only owns defaulting and the handful of
// derived values (shard count, Redis addr) multiple daemons need alike.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/healthmon"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/reaper"
)

// Storage describes how to open the durable store backends a daemon
// should operate against.
type Storage struct {
	DataDir string // directory holding one bbolt file per shard
	Shards  int    // number of shards, default 1
}

func (s Storage) withDefaults() Storage {
	if s.DataDir == "" {
		s.DataDir = "./data"
	}
	if s.Shards < 1 {
		s.Shards = 1
	}
	return s
}

// Redis describes how to reach the shared cache/lock Redis instance.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

func (r Redis) withDefaults() Redis {
	if r.Addr == "" {
		r.Addr = "127.0.0.1:6379"
	}
	return r
}

// ReaperDaemon is the fully-resolved configuration for the TTL reaper
// process: where the backends live plus the sweep tunables.
type ReaperDaemon struct {
	Storage Storage
	Sweep   reaper.Config
}

func (c ReaperDaemon) WithDefaults() ReaperDaemon {
	c.Storage = c.Storage.withDefaults()
	return c
}

// HealthmonDaemon is the fully-resolved configuration for the backend
// health monitor process.
type HealthmonDaemon struct {
	Storage Storage
	Redis   Redis
	Monitor healthmon.Config
}

func (c HealthmonDaemon) WithDefaults() HealthmonDaemon {
	c.Storage = c.Storage.withDefaults()
	c.Redis = c.Redis.withDefaults()
	return c
}

// EnvOrDefault returns os.Getenv(key) if set, otherwise def. Used by cmd
// entrypoints for the handful of settings that are as natural to pick up
// from the environment (container deployments) as from a flag.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvDurationOrDefault parses an environment variable as a Go duration
// string (e.g. "90s"), falling back to def if unset or malformed.
func EnvDurationOrDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// EnvIntOrDefault parses an environment variable as an int, falling back
// to def if unset or malformed.
func EnvIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// ParseShardCount validates a --shards flag value, rejecting anything
// non-positive with a message naming the flag.
func ParseShardCount(n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("--shards must be >= 1, got %d", n)
	}
	return n, nil
}
