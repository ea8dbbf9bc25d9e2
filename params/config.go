package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr    string
	Origins []string // CORS allowed origins; empty allows any
}

type Log struct {
	Level string
	File  string // when set, logs are also written here
}

type Store struct {
	Driver      string // memory | pebble | postgres
	PebblePath  string
	PostgresDSN string
}

type Broadcast struct {
	Mode      string // local | p2p
	Listen    string // libp2p multiaddr
	Bootstrap []string
}

type Queue struct {
	Concurrency int
	RateMax     int
	RateWindow  time.Duration
	Attempts    int
	Backoff     time.Duration
	Capacity    int
}

type Execution struct {
	NativeToken string
	BuildDelay  time.Duration
}

type Config struct {
	API       API
	Log       Log
	Store     Store
	Broadcast Broadcast
	Queue     Queue
	Execution Execution
}

func Default() Config {
	return Config{
		API: API{
			Addr: ":3000",
		},
		Log: Log{
			Level: "info",
		},
		Store: Store{
			Driver:     "memory",
			PebblePath: "data/orders",
		},
		Broadcast: Broadcast{
			Mode:   "local",
			Listen: "/ip4/0.0.0.0/tcp/4001",
		},
		Queue: Queue{
			Concurrency: 10,
			RateMax:     100,
			RateWindow:  time.Minute,
			Attempts:    3,
			Backoff:     time.Second,
			Capacity:    10000,
		},
		Execution: Execution{
			NativeToken: "SOL",
			BuildDelay:  500 * time.Millisecond,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.Origins = getList("CORS_ORIGINS", cfg.API.Origins)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	cfg.Store.Driver = strings.ToLower(getEnv("STORE_DRIVER", cfg.Store.Driver))
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)
	cfg.Store.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Store.PostgresDSN)

	cfg.Broadcast.Mode = strings.ToLower(getEnv("BROADCAST_MODE", cfg.Broadcast.Mode))
	cfg.Broadcast.Listen = getEnv("P2P_LISTEN", cfg.Broadcast.Listen)
	cfg.Broadcast.Bootstrap = getList("P2P_BOOTSTRAP", cfg.Broadcast.Bootstrap)

	cfg.Queue.Concurrency = getInt("QUEUE_CONCURRENCY", cfg.Queue.Concurrency)
	cfg.Queue.RateMax = getInt("QUEUE_RATE_MAX", cfg.Queue.RateMax)
	cfg.Queue.RateWindow = getMillis("QUEUE_RATE_WINDOW_MS", cfg.Queue.RateWindow)
	cfg.Queue.Attempts = getInt("QUEUE_ATTEMPTS", cfg.Queue.Attempts)
	cfg.Queue.Backoff = getMillis("QUEUE_BACKOFF_MS", cfg.Queue.Backoff)
	cfg.Queue.Capacity = getInt("QUEUE_CAPACITY", cfg.Queue.Capacity)

	cfg.Execution.NativeToken = getEnv("NATIVE_TOKEN", cfg.Execution.NativeToken)
	cfg.Execution.BuildDelay = getMillis("BUILD_DELAY_MS", cfg.Execution.BuildDelay)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// getList splits a comma-separated variable, dropping empty items
func getList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
