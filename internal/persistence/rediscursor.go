package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCursors caches participant cursor positions with a TTL, the
// natural fit for spec.md §4.4's 7-day cursor retention window — the
// same pattern the teacher's models.SessionManager uses to keep
// per-user session state warm alongside its Postgres copy, minus the
// Postgres half since cursors have no durability requirement beyond
// the TTL.
type RedisCursors struct {
	client *redis.Client
	ttl    time.Duration
}

// ConnectRedis opens a client the same way the teacher's
// redis.Connect does: REDIS_ADDR first, falling back to
// REDIS_HOST/REDIS_PORT, then localhost.
func ConnectRedis(addr, password string, ttl time.Duration) *RedisCursors {
	if addr == "" {
		host := os.Getenv("REDIS_HOST")
		port := os.Getenv("REDIS_PORT")
		if host != "" && port != "" {
			addr = fmt.Sprintf("%s:%s", host, port)
		} else {
			addr = "localhost:6379"
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	return &RedisCursors{client: client, ttl: ttl}
}

func (c *RedisCursors) Close() error { return c.client.Close() }

func cursorKey(roomID string) string  { return fmt.Sprintf("cursors:%s", roomID) }
func cursorField(userID string) string { return userID }

func (c *RedisCursors) SaveCursor(ctx context.Context, rec CursorRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := cursorKey(rec.RoomID)
	if err := c.client.HSet(ctx, key, cursorField(rec.UserID), payload).Err(); err != nil {
		return err
	}
	return c.client.Expire(ctx, key, c.ttl).Err()
}

func (c *RedisCursors) LoadCursors(ctx context.Context, roomID string) ([]CursorRecord, error) {
	raw, err := c.client.HGetAll(ctx, cursorKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]CursorRecord, 0, len(raw))
	for _, v := range raw {
		var rec CursorRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// RedisCursors only covers the cursor half of Store; Composite (in
// composite.go) wires it together with Postgres and S3Archive into a
// full Store for cmd/server/main.go.
