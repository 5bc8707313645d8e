package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrLockTimeout is returned when a booking lock could not be taken before ctx ended
var ErrLockTimeout = errors.New("timed out waiting for booking lock")

// BookingLocker serializes lifecycle events per booking. Locks on different
// bookings never contend.
type BookingLocker interface {
	Lock(ctx context.Context, bookingID uuid.UUID) (unlock func(), err error)
}

// KeyedLocker is an in-process BookingLocker
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLocker creates an in-process BookingLocker
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[uuid.UUID]*keyedLock)}
}

// Lock implements BookingLocker
func (l *KeyedLocker) Lock(ctx context.Context, bookingID uuid.UUID) (func(), error) {
	l.mu.Lock()
	k, ok := l.locks[bookingID]
	if !ok {
		k = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[bookingID] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(bookingID, k)
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.sem
			l.release(bookingID, k)
		})
	}, nil
}

func (l *KeyedLocker) release(bookingID uuid.UUID, k *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.locks, bookingID)
	}
}

// unlockScript deletes the key only while it still holds our token
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisBookingLocker extends the in-process lock across server and sweep
// processes with a Redis SET NX PX lease
type RedisBookingLocker struct {
	client    redis.Cmdable
	local     *KeyedLocker
	ttl       time.Duration
	pollEvery time.Duration
	logger    *logrus.Logger
	newToken  func() string
}

// NewRedisBookingLocker creates a distributed BookingLocker. ttl must outlast
// the longest event, gateway calls included.
func NewRedisBookingLocker(client redis.Cmdable, ttl time.Duration, logger *logrus.Logger) *RedisBookingLocker {
	return &RedisBookingLocker{
		client:    client,
		local:     NewKeyedLocker(),
		ttl:       ttl,
		pollEvery: 50 * time.Millisecond,
		logger:    logger,
		newToken:  randomToken,
	}
}

// Lock implements BookingLocker
func (l *RedisBookingLocker) Lock(ctx context.Context, bookingID uuid.UUID) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	key := "lock:booking:" + bookingID.String()
	token := l.newToken()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			unlockLocal()
			return nil, fmt.Errorf("failed to acquire booking lock: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-time.After(l.pollEvery):
		case <-ctx.Done():
			unlockLocal()
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release must not depend on the caller's ctx, which may be done already
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := unlockScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.WithError(err).WithField("booking_id", bookingID).Warn("Failed to release booking lock, lease will expire")
			}
			unlockLocal()
		})
	}, nil
}

func randomToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}
