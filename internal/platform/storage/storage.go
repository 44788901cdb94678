// Package storage provides the durable key/value store that backs persisted
// client state: the session store's identity snapshot and the identity
// provider's session cache.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("storage: key not found")

// Storage is a minimal durable key/value store. Values are opaque bytes.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Closer is implemented by backends that hold network connections.
type Closer interface {
	Close() error
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the backend, unwrapping a Sealed store. Backends without a
// network dependency always succeed.
func Ping(ctx context.Context, s Storage) error {
	if sealed, ok := s.(*Sealed); ok {
		s = sealed.inner
	}
	if p, ok := s.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Open returns the backend selected by the URL scheme:
//
//	memory://               in-process map, lost on exit
//	file:///var/lib/portal  one file per key
//	redis://host:6379/0     go-redis client, keys prefixed "portal:"
//	postgres://...          pgx pool, table portal_kv
func Open(ctx context.Context, rawURL string) (Storage, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse storage url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemory(), nil
	case "file":
		dir := u.Path
		if u.Host != "" {
			// file://relative/dir
			dir = u.Host + u.Path
		}
		return NewFile(dir)
	case "redis", "rediss":
		return NewRedisFromURL(ctx, rawURL)
	case "postgres", "postgresql":
		return NewPostgresFromURL(ctx, rawURL)
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}

// Close releases the backend's resources if it holds any.
func Close(s Storage) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}
