// Package session tracks presence for live connections. Each WebSocket
// connection gets a Redis hash recording its channel, role, and joined rooms;
// the record is TTL-bound and deleted on disconnect; nothing survives a
// reconnect.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all presence hashes.
	SessionPrefix = "rt:session:"

	// SessionTTL is the time-to-live for presence keys. It is refreshed by
	// connection activity; an instance crash leaves keys to expire on their
	// own.
	SessionTTL = 1 * time.Hour

	// Channel values.
	ChannelChat  = "chat"
	ChannelAdmin = "admin"
)

// Session is one live connection's presence record.
type Session struct {
	ID         string `redis:"id"`
	Channel    string `redis:"channel"`  // chat | admin
	Role       string `redis:"role"`     // admin on the admin channel, empty on chat
	Subject    string `redis:"subject"`  // authenticated identity, admin channel only
	Rooms      string `redis:"rooms"`    // comma-separated joined rooms
	Server     string `redis:"server"`   // which realtime server instance
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// RoomList splits the comma-separated room field.
func (s *Session) RoomList() []string {
	if s.Rooms == "" {
		return nil
	}
	return strings.Split(s.Rooms, ",")
}

// Store manages presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this realtime server instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new presence record for a freshly established connection.
func (s *Store) Create(ctx context.Context, sessionID, channel, role, subject string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          sessionID,
		"channel":     channel,
		"role":        role,
		"subject":     subject,
		"rooms":       "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// AddRoom appends a room to the session's joined set and refreshes the TTL.
// Re-joining an already recorded room is a no-op.
func (s *Store) AddRoom(ctx context.Context, sessionID, room string) error {
	key := SessionPrefix + sessionID

	current, err := s.client.HGet(ctx, key, "rooms").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for _, existing := range strings.Split(current, ",") {
		if existing == room {
			return s.Touch(ctx, sessionID)
		}
	}

	rooms := room
	if current != "" {
		rooms = current + "," + room
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "rooms", rooms, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Touch updates last_active and refreshes the TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a presence record on disconnect.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the rate limiter shares this connection).
func (s *Store) Client() *redis.Client {
	return s.client
}
