package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"telemetry-bridge/bridge/internal/config"
)

const checkTimeout = 3 * time.Second

type check struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func main() {
	cfg := config.Load()
	broker := net.JoinHostPort(cfg.MQTTHost, cfg.MQTTPort)

	checks := []check{
		{"MQTT broker port", func(ctx context.Context) (string, error) { return checkTCP(ctx, broker) }},
		{"MQTT broker connect", func(context.Context) (string, error) { return checkMQTT(cfg) }},
		{"MES API", func(ctx context.Context) (string, error) { return checkHTTP(ctx, cfg.MESBaseURL) }},
	}
	if cfg.RedisEnabled {
		checks = append(checks, check{"Redis ping", func(ctx context.Context) (string, error) {
			return checkRedis(ctx, cfg)
		}})
	}
	if cfg.JournalEnabled {
		checks = append(checks, check{"Journal Postgres auth", func(ctx context.Context) (string, error) {
			return checkPostgres(ctx, cfg)
		}})
	}

	fmt.Println("--- Connection check ---")
	failed := 0
	for _, c := range checks {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		detail, err := c.run(ctx)
		cancel()
		if err != nil {
			failed++
			printStatus(c.name, false, fmt.Sprintf("(%s) - %v", detail, err))
			continue
		}
		printStatus(c.name, true, "("+detail+")")
	}
	fmt.Println("--- Check complete ---")

	if failed > 0 {
		os.Exit(1)
	}
}

func printStatus(name string, ok bool, detail string) {
	status, color := "PASS", "\033[92m"
	if !ok {
		status, color = "FAIL", "\033[91m"
	}
	fmt.Printf("[%s%s\033[0m] %s %s\n", color, status, name, detail)
}

func checkTCP(ctx context.Context, addr string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return addr, err
	}
	conn.Close()
	return addr, nil
}

func checkMQTT(cfg *config.Config) (string, error) {
	broker := "tcp://" + net.JoinHostPort(cfg.MQTTHost, cfg.MQTTPort)
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.MQTTClientID + "-check").
		SetConnectTimeout(checkTimeout).
		SetAutoReconnect(false)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(checkTimeout) {
		return broker, errors.New("timed out")
	}
	if err := token.Error(); err != nil {
		return broker, err
	}
	client.Disconnect(100)
	return broker, nil
}

// checkHTTP treats any answer below 500 as reachable; the MES routes need
// an operation and a token to return 2xx.
func checkHTTP(ctx context.Context, rawURL string) (string, error) {
	target := strings.TrimRight(rawURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return target, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return target, err
	}
	resp.Body.Close()

	detail := fmt.Sprintf("%s - status %d", target, resp.StatusCode)
	if resp.StatusCode >= http.StatusInternalServerError {
		return detail, errors.New("server error")
	}
	return detail, nil
}

func checkRedis(ctx context.Context, cfg *config.Config) (string, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	return cfg.RedisAddr, client.Ping(ctx).Err()
}

func checkPostgres(ctx context.Context, cfg *config.Config) (string, error) {
	detail := fmt.Sprintf("%s at %s", cfg.DBName, net.JoinHostPort(cfg.DBHost, cfg.DBPort))
	conn, err := pgx.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		return detail, err
	}
	defer conn.Close(ctx)
	return detail, conn.Ping(ctx)
}
