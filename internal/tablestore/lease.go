package tablestore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a redis-backed advisory lock held for the duration of one
// document's ingest, so concurrent uploads of the same document cannot
// interleave row-store replacement.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// AcquireLease attempts to take the ingest lease for a document. The
// second return value is false when another ingest already holds it.
func AcquireLease(ctx context.Context, client *redis.Client, documentID string, ttl time.Duration) (*Lease, bool, error) {
	key := "tabula:ingest:" + sanitize(documentID)
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring ingest lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: client, key: key, token: token}, true, nil
}

// Release frees the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("releasing ingest lease: %w", err)
	}
	return nil
}
