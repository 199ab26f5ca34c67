package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotHeld = errors.New("lock not held")

// release deletes the key only if it still carries our token.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive locks stored in Redis.
type Locker struct {
	Client *redis.Client
	Prefix string
}

type Lock struct {
	client *redis.Client
	key    string
	token  string
}

func NewLocker(client *redis.Client, prefix string) *Locker {
	return &Locker{Client: client, Prefix: prefix}
}

// TryAcquire returns ok=false when someone else holds the lock.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	key := l.Prefix + name
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: l.Client, key: key, token: token}, true, nil
}

func (k *Lock) Release(ctx context.Context) error {
	n, err := release.Run(ctx, k.client, []string{k.key}, k.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
