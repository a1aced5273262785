package notify

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeep is how many records the redis sink keeps per user
const DefaultRedisKeep = 100

// RedisSink stores each user's newest notifications in a capped Redis list
type RedisSink struct {
	rc     *redis.Client
	prefix string
	keep   int64
}

// NewRedisSink creates a sink writing to "<prefix>:<userID>" lists
func NewRedisSink(rc *redis.Client, prefix string, keep int) *RedisSink {
	if prefix == "" {
		prefix = "notifications"
	}
	if keep <= 0 {
		keep = DefaultRedisKeep
	}
	return &RedisSink{rc: rc, prefix: prefix, keep: int64(keep)}
}

func (s *RedisSink) key(userID string) string {
	return s.prefix + ":" + userID
}

func (s *RedisSink) Write(ctx context.Context, n Notification) error {
	data, err := sonic.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	key := s.key(n.UserID)
	_, err = s.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, s.keep-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store notification for %s: %w", n.UserID, err)
	}
	return nil
}
