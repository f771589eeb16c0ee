// Package redis implements store.SessionStore on Redis hashes, one hash per
// chat with fields app, session_id, created_at and updated_at.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/ussdgate/internal/store"
)

const (
	fieldApp       = "app"
	fieldSessionID = "session_id"
	fieldCreated   = "created_at"
	fieldUpdated   = "updated_at"

	scanBatch = 200
)

// SessionStore implements store.SessionStore backed by Redis.
type SessionStore struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, cfg store.StoreConfig) (*SessionStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, store.Unavailable("redis ping", err)
	}
	return New(client, cfg.KeyPrefix), nil
}

// New wraps an existing client. Keys are prefix+chatKey.
func New(client *goredis.Client, prefix string) *SessionStore {
	return &SessionStore{client: client, prefix: prefix, now: time.Now}
}

func (s *SessionStore) key(chatKey string) string { return s.prefix + chatKey }

// touch records activity on the hash, setting created_at on first write.
func (s *SessionStore) touch(ctx context.Context, pipe goredis.Pipeliner, key string) {
	now := strconv.FormatInt(s.now().Unix(), 10)
	pipe.HSetNX(ctx, key, fieldCreated, now)
	pipe.HSet(ctx, key, fieldUpdated, now)
}

func (s *SessionStore) GetApp(ctx context.Context, chatKey string) (string, error) {
	app, err := s.client.HGet(ctx, s.key(chatKey), fieldApp).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", store.Unavailable("redis get app", err)
	}
	return app, nil
}

func (s *SessionStore) SetApp(ctx context.Context, chatKey, app string) error {
	key := s.key(chatKey)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldApp, app)
		s.touch(ctx, pipe, key)
		return nil
	})
	if err != nil {
		return store.Unavailable("redis set app", err)
	}
	return nil
}

func (s *SessionStore) GetSessionID(ctx context.Context, chatKey string) (int64, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(chatKey), fieldSessionID).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, store.Unavailable("redis get session id", err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis session id for %s is not an integer: %q", chatKey, raw)
	}
	return id, true, nil
}

func (s *SessionStore) InitSessionID(ctx context.Context, chatKey string, seed int64) error {
	key := s.key(chatKey)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldSessionID, seed)
		s.touch(ctx, pipe, key)
		return nil
	})
	if err != nil {
		return store.Unavailable("redis init session id", err)
	}
	return nil
}

func (s *SessionStore) IncrementSessionID(ctx context.Context, chatKey string) (int64, error) {
	key := s.key(chatKey)
	var incr *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, fieldSessionID, 1)
		s.touch(ctx, pipe, key)
		return nil
	})
	if err != nil {
		return 0, store.Unavailable("redis increment session id", err)
	}
	return incr.Val(), nil
}

func (s *SessionStore) Get(ctx context.Context, chatKey string) (*store.ChatSession, error) {
	fields, err := s.client.HGetAll(ctx, s.key(chatKey)).Result()
	if err != nil {
		return nil, store.Unavailable("redis get session", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	sess := &store.ChatSession{
		ChatKey: chatKey,
		App:     fields[fieldApp],
		Created: parseUnix(fields[fieldCreated]),
		Updated: parseUnix(fields[fieldUpdated]),
	}
	if raw, ok := fields[fieldSessionID]; ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis session id for %s is not an integer: %q", chatKey, raw)
		}
		sess.SessionID = &id
	}
	return sess, nil
}

// resetScript clears app and keeps session_id. A hash that never got a
// session id is dropped.
var resetScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'session_id') == 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
redis.call('HDEL', KEYS[1], 'app')
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1])
return 1
`)

// purgeScript is resetScript guarded by the idle cutoff in ARGV[1]. It
// returns 1 when the chat changed. Non-hash keys and hashes without
// updated_at are skipped.
var purgeScript = goredis.NewScript(`
local raw = redis.pcall('HGET', KEYS[1], 'updated_at')
if type(raw) ~= 'string' then return 0 end
local updated = tonumber(raw)
if not updated or updated >= tonumber(ARGV[1]) then return 0 end
if redis.call('HEXISTS', KEYS[1], 'session_id') == 0 then
  redis.call('DEL', KEYS[1])
  return 1
end
local app = redis.call('HGET', KEYS[1], 'app')
if not app or app == '' then return 0 end
redis.call('HDEL', KEYS[1], 'app')
return 1
`)

func (s *SessionStore) Reset(ctx context.Context, chatKey string) error {
	now := s.now().Unix()
	if err := resetScript.Run(ctx, s.client, []string{s.key(chatKey)}, now).Err(); err != nil {
		return store.Unavailable("redis reset session", err)
	}
	return nil
}

// ErrNoPrefix is returned by PurgeIdle when the store has no key prefix to
// confine the scan to.
var ErrNoPrefix = errors.New("redis purge requires a key prefix")

// PurgeIdle scans every key under the prefix and resets idle chats. The
// idle check and the reset run as one script per key, so a chat written
// between the scan and the reset is left alone.
func (s *SessionStore) PurgeIdle(ctx context.Context, before time.Time) (int, error) {
	if s.prefix == "" {
		return 0, ErrNoPrefix
	}
	var (
		cursor uint64
		purged int
	)
	cutoff := before.Unix()
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return purged, store.Unavailable("redis scan sessions", err)
		}
		for _, key := range keys {
			n, err := purgeScript.Run(ctx, s.client, []string{key}, cutoff).Int()
			if err != nil {
				return purged, store.Unavailable("redis purge session", err)
			}
			purged += n
		}
		cursor = next
		if cursor == 0 {
			return purged, nil
		}
	}
}

func (s *SessionStore) Close() error { return s.client.Close() }

func parseUnix(raw string) time.Time {
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
