package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrNotHeld     = errors.New("lock not held")
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a single-holder Redis lock. The holder's token is random, so only
// the instance that acquired it can release or extend it. While held, the TTL
// is refreshed in the background at half its length.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	mu   sync.Mutex
	held bool
	stop chan struct{}
	done chan struct{}
}

func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		token:  newToken(),
		ttl:    ttl,
	}
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// TryAcquire takes the lock if it is free.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return true, nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}

	l.held = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.refresh(l.stop, l.done)
	return true, nil
}

// Acquire polls until the lock is taken, ctx is done, or wait elapses.
func (l *Lock) Acquire(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrNotAcquired, l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release gives the lock up. Releasing a lock that expired or was taken over
// returns ErrNotHeld.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return ErrNotHeld
	}
	l.held = false
	close(l.stop)
	done := l.done
	l.mu.Unlock()

	<-done

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, l.key)
	}
	return nil
}

func (l *Lock) refresh(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil || n == 0 {
				return
			}
		}
	}
}

// Held reports whether this holder still owns the lock in Redis.
func (l *Lock) Held(ctx context.Context) (bool, error) {
	v, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == l.token, nil
}
