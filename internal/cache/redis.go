package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// SavedSnapshot is one persisted whiteboard snapshot save for a room
type SavedSnapshot struct {
	RoomKey   string    `json:"roomKey"`
	ChatType  string    `json:"chatType"`
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Image     string    `json:"image"` // encoded raster (data URL)
	SavedAt   time.Time `json:"savedAt"`
	ChatLogID int64     `json:"chatLogId,omitempty"`
}

// RedisClient wraps the Redis client for snapshot caching
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	log.Printf("[Redis] Connected to %s", addr)
	return &RedisClient{client: client}, nil
}

func snapshotsKey(roomKey string) string {
	return "board:" + roomKey + ":snapshots"
}

// AddSnapshot appends a snapshot save to the room's list, keeping the
// most recent `keep` entries, and refreshes the 24h TTL
func (r *RedisClient) AddSnapshot(ctx context.Context, roomKey string, s *SavedSnapshot, keep int) error {
	key := snapshotsKey(roomKey)
	s.SavedAt = time.Now()

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if keep > 0 {
		pipe.LTrim(ctx, key, int64(-keep), -1)
	}
	pipe.Expire(ctx, key, 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[Redis] Failed to add snapshot: %v", err)
		return err
	}

	return nil
}

// GetSnapshots returns all cached snapshot saves for a room, oldest first
func (r *RedisClient) GetSnapshots(ctx context.Context, roomKey string) ([]SavedSnapshot, error) {
	results, err := r.client.LRange(ctx, snapshotsKey(roomKey), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	snapshots := make([]SavedSnapshot, 0, len(results))
	for _, data := range results {
		var s SavedSnapshot
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			continue
		}
		snapshots = append(snapshots, s)
	}

	return snapshots, nil
}

// LatestSnapshot returns the most recent cached save, or nil when none exists
func (r *RedisClient) LatestSnapshot(ctx context.Context, roomKey string) (*SavedSnapshot, error) {
	results, err := r.client.LRange(ctx, snapshotsKey(roomKey), -1, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	var s SavedSnapshot
	if err := json.Unmarshal([]byte(results[0]), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SnapshotCount returns the number of cached saves for a room
func (r *RedisClient) SnapshotCount(ctx context.Context, roomKey string) (int64, error) {
	return r.client.LLen(ctx, snapshotsKey(roomKey)).Result()
}

// DeleteRoom removes all cached saves for a room
func (r *RedisClient) DeleteRoom(ctx context.Context, roomKey string) error {
	return r.client.Del(ctx, snapshotsKey(roomKey)).Err()
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Health checks if Redis is healthy
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
