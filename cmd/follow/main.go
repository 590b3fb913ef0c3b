package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eleven-am/meeting-recorder/internal/relay"
	"github.com/redis/go-redis/v9"
)

// follow prints the live transcript of one recording session as the
// recorder daemon republishes it to Redis.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: follow <session_id>")
		os.Exit(2)
	}
	sessionID := os.Args[1]

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to redis: %v\n", err)
		os.Exit(1)
	}

	fragments, err := relay.NewRedisPublisher(client, nil).Follow(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to follow session: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Following %s on %s\n", sessionID, relay.TranscriptChannel(sessionID))
	for f := range fragments {
		fmt.Printf("[%s] %s\n", f.ReceivedAt.Format("15:04:05"), f.Text)
	}
}
