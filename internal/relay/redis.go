package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	transcriptChannel = "session:%s:transcripts"
	publishTimeout    = 2 * time.Second
)

func TranscriptChannel(sessionID string) string {
	return fmt.Sprintf(transcriptChannel, sessionID)
}

// RedisPublisher mirrors fragments onto a per-session pub/sub channel so
// other processes can follow a live transcript.
type RedisPublisher struct {
	redis  *redis.Client
	logger *slog.Logger
}

func NewRedisPublisher(client *redis.Client, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{redis: client, logger: logger.With("component", "redis_publisher")}
}

func (p *RedisPublisher) Forward(f Fragment) {
	data, err := json.Marshal(f)
	if err != nil {
		p.logger.Error("failed to marshal fragment", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	channel := TranscriptChannel(f.SessionID)
	if err := p.redis.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Warn("failed to publish fragment", "channel", channel, "error", err)
	}
}

// Follow streams fragments published for sessionID until ctx ends.
func (p *RedisPublisher) Follow(ctx context.Context, sessionID string) (<-chan Fragment, error) {
	pubsub := p.redis.Subscribe(ctx, TranscriptChannel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Fragment, defaultBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var f Fragment
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					p.logger.Debug("ignoring malformed fragment", "error", err)
					continue
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
