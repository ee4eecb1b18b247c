// Package redis keeps session stores in Redis, one string key per identity.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sweeney/sessiond/internal/store"
)

// DefaultPrefix namespaces keys as <prefix>:<identity>.
const DefaultPrefix = "sessiond:store"

// Backend implements store.Backend on Redis.
type Backend struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// New wraps an existing client. Close leaves client open.
func New(client goredis.UniversalClient, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

// Open parses a redis:// URL, pings the server and returns a Backend that
// owns the client.
func Open(ctx context.Context, url, prefix string) (*Backend, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	b := New(client, prefix)
	b.owned = true
	return b, nil
}

func (b *Backend) key(identity string) string {
	return b.prefix + ":" + identity
}

// Load returns the stored document for identity.
func (b *Backend) Load(ctx context.Context, identity string) ([]byte, error) {
	doc, err := b.client.Get(ctx, b.key(identity)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session store: %w", err)
	}
	return doc, nil
}

// Save overwrites the document for identity. Keys never expire.
func (b *Backend) Save(ctx context.Context, identity string, doc []byte) error {
	if err := b.client.Set(ctx, b.key(identity), doc, 0).Err(); err != nil {
		return fmt.Errorf("saving session store: %w", err)
	}
	return nil
}

// Delete removes the key for identity.
func (b *Backend) Delete(ctx context.Context, identity string) error {
	if err := b.client.Del(ctx, b.key(identity)).Err(); err != nil {
		return fmt.Errorf("deleting session store: %w", err)
	}
	return nil
}

// Close closes the client if the Backend opened it.
func (b *Backend) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}
