package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"telemetry-bridge/bridge/internal/config"
)

func main() {
	keysFlag := flag.String("keys", "edge_gateway_key=edge-gateway,test_key=test-device",
		"comma separated api_key=device pairs")
	flag.Parse()

	cfg := config.Load()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	ctx := context.Background()

	fmt.Printf("Connecting to Redis at %s...\n", cfg.RedisAddr)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running and REDIS_ADDR is set.", err)
	}
	fmt.Println("✓ Connected")

	pairs, err := parsePairs(*keysFlag)
	if err != nil {
		log.Fatal(err)
	}

	step1_api_keys(ctx, client, pairs)
	step2_verify(ctx, client, pairs)

	fmt.Println("\n✅ Redis seeded successfully")
	fmt.Println("   Set REDIS_ENABLED=true and HTTP_INGEST_ENABLED=true to accept these keys")
}

func parsePairs(s string) (map[string]string, error) {
	pairs := map[string]string{}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, device, ok := strings.Cut(item, "=")
		if !ok || key == "" || device == "" {
			return nil, fmt.Errorf("bad key pair %q, want api_key=device", item)
		}
		pairs[key] = device
	}
	return pairs, nil
}

func step1_api_keys(ctx context.Context, client *redis.Client, pairs map[string]string) {
	fmt.Println("\n── Step 1: Seeding API keys ────────────────────")

	// Key pattern: device:auth:{api_key} → device id, no expiry
	for apiKey, device := range pairs {
		key := "device:auth:" + apiKey
		if err := client.Set(ctx, key, device, 0).Err(); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-45s → %s\n", key, device)
	}
}

func step2_verify(ctx context.Context, client *redis.Client, pairs map[string]string) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	keys, err := client.Keys(ctx, "device:auth:*").Result()
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d API keys found in Redis\n", len(keys))

	for apiKey, want := range pairs {
		got, err := client.Get(ctx, "device:auth:"+apiKey).Result()
		if err != nil || got != want {
			log.Fatalf("Spot check failed for %s: got %q, %v", apiKey, got, err)
		}
		fmt.Printf("  ✓ spot check: device:auth:%s → %s\n", apiKey, got)
		break
	}
}
