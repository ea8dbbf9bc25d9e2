package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Queue.Concurrency != 10 || cfg.Queue.RateMax != 100 || cfg.Queue.Attempts != 3 {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Queue.RateWindow != time.Minute || cfg.Queue.Backoff != time.Second {
		t.Errorf("queue timing defaults = %+v", cfg.Queue)
	}
	if cfg.Store.Driver != "memory" || cfg.Broadcast.Mode != "local" {
		t.Errorf("driver defaults: store=%s broadcast=%s", cfg.Store.Driver, cfg.Broadcast.Mode)
	}
	if cfg.Execution.NativeToken != "SOL" {
		t.Errorf("native token = %s", cfg.Execution.NativeToken)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "QUEUE_CONCURRENCY=4\nSTORE_DRIVER=Pebble\nP2P_BOOTSTRAP=/ip4/10.0.0.1/tcp/4001/p2p/a, ,/ip4/10.0.0.2/tcp/4001/p2p/b\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("QUEUE_CONCURRENCY")
		os.Unsetenv("STORE_DRIVER")
		os.Unsetenv("P2P_BOOTSTRAP")
	})
	// process environment wins over the file
	t.Setenv("QUEUE_BACKOFF_MS", "250")
	t.Setenv("QUEUE_RATE_MAX", "not-a-number")

	cfg := LoadFromEnv(envFile)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"concurrency from file", cfg.Queue.Concurrency, 4},
		{"driver lowercased", cfg.Store.Driver, "pebble"},
		{"bootstrap list", len(cfg.Broadcast.Bootstrap), 2},
		{"backoff from env", cfg.Queue.Backoff, 250 * time.Millisecond},
		{"bad int keeps default", cfg.Queue.RateMax, 100},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}
