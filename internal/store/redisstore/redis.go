package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "llamachat:"

	defaultLockTTL   = 2 * time.Minute
	lockPollInterval = 100 * time.Millisecond
	bufferTTL        = time.Hour
)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if we still own it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Store struct {
	rdb     *redis.Client
	log     *zap.Logger
	lockTTL time.Duration
}

func New(addr, password string, db int, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{rdb: rdb, log: log, lockTTL: defaultLockTTL}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func lockKey(conversationID uint64) string {
	return keyPrefix + "turn:" + strconv.FormatUint(conversationID, 10)
}

func bufferKey(jobID string) string {
	return keyPrefix + "job:" + jobID + ":buffer"
}

func errorKey(jobID string) string {
	return keyPrefix + "job:" + jobID + ":error"
}

// TryLock claims the conversation across processes with SET NX PX. While held the
// lock is refreshed in the background so long generations do not lose it.
func (s *Store) TryLock(ctx context.Context, conversationID uint64) (func(), bool, error) {
	key := lockKey(conversationID)
	token := uuid.NewString()

	ok, err := s.rdb.SetNX(ctx, key, token, s.lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	go s.keepAlive(key, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)

			// release even if the turn's ctx is already gone
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, s.rdb, []string{key}, token).Err(); err != nil {
				s.log.Warn("redis unlock failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, true, nil
}

// Lock polls TryLock until the conversation is free or ctx ends.
func (s *Store) Lock(ctx context.Context, conversationID uint64) (func(), error) {
	t := time.NewTicker(lockPollInterval)
	defer t.Stop()
	for {
		unlock, ok, err := s.TryLock(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Store) keepAlive(key, token string, stop <-chan struct{}) {
	t := time.NewTicker(s.lockTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			n, err := refreshScript.Run(ctx, s.rdb, []string{key}, token, s.lockTTL.Milliseconds()).Int()
			cancel()
			if err != nil {
				s.log.Warn("redis lock refresh failed", zap.String("key", key), zap.Error(err))
				continue
			}
			if n == 0 {
				s.log.Warn("redis lock lost", zap.String("key", key))
				return
			}
		}
	}
}

func (s *Store) SetTurnBuffer(ctx context.Context, jobID, text string) error {
	return s.rdb.Set(ctx, bufferKey(jobID), text, bufferTTL).Err()
}

// GetTurnBuffer returns the latest partial reply written for the job.
func (s *Store) GetTurnBuffer(ctx context.Context, jobID string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, bufferKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) SetTurnError(ctx context.Context, jobID, msg string) error {
	return s.rdb.Set(ctx, errorKey(jobID), msg, bufferTTL).Err()
}

func (s *Store) GetTurnError(ctx context.Context, jobID string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, errorKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
