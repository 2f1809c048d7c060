// README: Smoke runner for a deployed relay API; executes HTTP/DB/Redis checks and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL       string
	DSN           string
	RedisAddr     string
	MigrationPath string
	Strict        bool
	Timeout       time.Duration
	Concurrency   int
	Duration      time.Duration
	PickupCode    string
	DeliveryCode  string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", fromEnv("RELAY_BENCH_BASE_URL", "http://localhost:8080", asIs), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", os.Getenv("RELAY_DB_DSN"), "Postgres DSN; empty skips DB checks")
	flag.StringVar(&cfg.RedisAddr, "redis", os.Getenv("RELAY_REDIS_ADDR"), "Redis address; empty skips Redis checks")
	flag.StringVar(&cfg.MigrationPath, "migration", fromEnv("RELAY_BENCH_MIGRATION", "migrations/0001_init.sql", asIs), "Migration SQL path")
	flag.BoolVar(&cfg.Strict, "strict", fromEnv("RELAY_BENCH_STRICT", false, strconv.ParseBool), "Fail on skipped checks")
	flag.DurationVar(&cfg.Timeout, "timeout", fromEnv("RELAY_BENCH_TIMEOUT", 60*time.Second, time.ParseDuration), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", fromEnv("RELAY_BENCH_CONCURRENCY", 20, positiveInt), "Concurrency for race and perf checks")
	flag.DurationVar(&cfg.Duration, "duration", fromEnv("RELAY_BENCH_DURATION", 10*time.Second, time.ParseDuration), "Duration for perf checks")
	flag.StringVar(&cfg.PickupCode, "pickup-code", fromEnv("RELAY_BENCH_PICKUP_CODE", "1234", asIs), "Pickup OTP attached to bench orders")
	flag.StringVar(&cfg.DeliveryCode, "delivery-code", fromEnv("RELAY_BENCH_DELIVERY_CODE", "5678", asIs), "Delivery OTP attached to bench orders")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

// fromEnv seeds a flag default from key. Unset keys keep def; malformed ones
// keep def and say so on stderr.
func fromEnv[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bench: ignoring %s=%q: %v\n", key, raw, err)
		return def
	}
	return v
}

func asIs(s string) (string, error) { return s, nil }

func positiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%d is not positive", n)
	}
	return n, nil
}
