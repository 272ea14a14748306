// Command keygen issues and revokes gateway API keys.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/meridian-gateway/internal/auth"
	"github.com/af-corp/meridian-gateway/internal/config"
)

func main() {
	name := flag.String("name", "", "human-friendly key name (required unless -revoke)")
	env := flag.String("env", "live", "environment segment of the key")
	allowed := flag.String("allowed-models", "", "comma-separated model allow-list; entries may end in * (empty allows all)")
	rpm := flag.Int("rpm", 0, "requests per minute (0 uses the gateway default)")
	dailyTokens := flag.Int64("daily-tokens", 0, "daily token budget (0 uses the gateway default)")
	expires := flag.String("expires", "365d", "expiry duration (e.g., 365d, 720h)")
	revoke := flag.String("revoke", "", "revoke the keys with this display prefix instead of issuing one")
	redisAddr := flag.String("redis", "", "redis address whose key cache is cleared on revoke")
	configDir := flag.String("config", "configs", "configuration directory holding gateway.yaml")
	dbURL := flag.String("db-url", "", "database URL (overrides $DATABASE_URL and gateway.yaml)")
	flag.Parse()
	_ = godotenv.Load()

	if *revoke == "" && *name == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: -name is required")
		os.Exit(1)
	}

	dsn, err := config.ResolveDatabaseURL(*dbURL, *configDir)
	if err != nil {
		log.Fatalf("resolve database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer conn.Close(ctx)

	if *revoke != "" {
		revokeKeys(ctx, conn, *redisAddr, *revoke)
		return
	}

	rawKey, err := auth.GenerateKey(*env)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}
	dur, err := auth.ParseDuration(*expires)
	if err != nil {
		log.Fatalf("invalid expires: %v", err)
	}

	key := auth.NewKey{
		Hash:            auth.HashKey(rawKey),
		Prefix:          auth.KeyPrefix(rawKey),
		Name:            *name,
		Environment:     *env,
		AllowedModels:   splitList(*allowed),
		RPMLimit:        *rpm,
		DailyTokenLimit: *dailyTokens,
		ExpiresAt:       time.Now().Add(dur),
	}
	id, err := auth.CreateKey(ctx, conn, key)
	if err != nil {
		log.Fatalf("failed to store key: %v", err)
	}

	fmt.Println("=== Meridian API Key Generated ===")
	fmt.Println()
	fmt.Printf("  Key ID:         %s\n", id)
	fmt.Printf("  Key Prefix:     %s\n", key.Prefix)
	fmt.Printf("  Name:           %s\n", key.Name)
	fmt.Printf("  Environment:    %s\n", key.Environment)
	if len(key.AllowedModels) > 0 {
		fmt.Printf("  Models:         %s\n", strings.Join(key.AllowedModels, ", "))
	}
	if key.RPMLimit > 0 {
		fmt.Printf("  RPM:            %d\n", key.RPMLimit)
	}
	if key.DailyTokenLimit > 0 {
		fmt.Printf("  Daily tokens:   %d\n", key.DailyTokenLimit)
	}
	fmt.Printf("  Expires:        %s\n", key.ExpiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println("  API Key (save this, it will NOT be shown again):")
	fmt.Printf("  %s\n", rawKey)
	fmt.Println()
	fmt.Println("==================================")
}

func revokeKeys(ctx context.Context, conn *pgx.Conn, redisAddr, prefix string) {
	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
	}
	n, err := auth.Revoke(ctx, conn, rdb, prefix)
	if err != nil {
		log.Fatalf("revoke: %v", err)
	}
	fmt.Printf("revoked %d key(s) with prefix %s\n", n, prefix)
	if n > 0 && rdb == nil {
		fmt.Println("gateways may accept cached copies until the key cache TTL expires")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
