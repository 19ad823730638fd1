package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-agent/internal/chat"
)

// RedisStream implements chat.Stream on Redis: one hash per conversation
// holding the append-only message set, one pub/sub channel signalling
// writes. Every signal triggers a full snapshot read, matching the
// snapshot-push contract. Server timestamps come from the Redis server
// clock, never the client's.
type RedisStream struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStream(addr, password string, logger *slog.Logger) *RedisStream {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStream{client: c, logger: logger}
}

func messagesKey(conversationID string) string { return "chat:" + conversationID + ":messages" }
func updatesKey(conversationID string) string  { return "chat:" + conversationID + ":updates" }

// Ping reports store connectivity, used by the readiness probe.
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStream) Close() error { return s.client.Close() }

// Append stores the message with a server-assigned timestamp and signals
// all listeners. The write and the signal go through one pipeline so a
// stored message is never left unannounced.
func (s *RedisStream) Append(ctx context.Context, conversationID string, msg chat.Outgoing) error {
	serverNow, err := s.client.Time(ctx).Result()
	if err != nil {
		return fmt.Errorf("reading server clock: %w", err)
	}

	raw := chat.RawMessage{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		ServerTS:   json.RawMessage(strconv.FormatInt(serverNow.UnixMilli(), 10)),
		LocalTSMs:  msg.LocalTS.UnixMilli(),
		Status:     string(msg.Status),
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, messagesKey(conversationID), msg.ID, b)
	pipe.Publish(ctx, updatesKey(conversationID), msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

type redisListener struct {
	pubsub *redis.PubSub
}

func (l *redisListener) Close() error { return l.pubsub.Close() }

// Listen attaches a dedicated pub/sub subscription and delivers the current
// snapshot immediately, then again on every write signal. Closing the
// returned listener detaches exactly this subscription.
func (s *RedisStream) Listen(ctx context.Context, conversationID string, fn func([]chat.RawMessage)) (chat.Listener, error) {
	pubsub := s.client.Subscribe(ctx, updatesKey(conversationID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", conversationID, err)
	}

	snapshot, err := s.snapshot(ctx, conversationID)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	fn(snapshot)

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				snap, err := s.snapshot(context.Background(), conversationID)
				if err != nil {
					s.logger.Warn("snapshot read failed", "conversation_id", conversationID, "error", err)
					continue
				}
				fn(snap)
			}
		}
	}()

	return &redisListener{pubsub: pubsub}, nil
}

func (s *RedisStream) snapshot(ctx context.Context, conversationID string) ([]chat.RawMessage, error) {
	entries, err := s.client.HGetAll(ctx, messagesKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading conversation %s: %w", conversationID, err)
	}
	out := make([]chat.RawMessage, 0, len(entries))
	for id, v := range entries {
		var raw chat.RawMessage
		if err := json.Unmarshal([]byte(v), &raw); err != nil {
			s.logger.Warn("skipping malformed message", "conversation_id", conversationID, "message_id", id, "error", err)
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}
