package cognito

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/portal/internal/platform/storage"
)

// cachedSession is the provider session kept between process runs, the
// equivalent of the tokens a browser SDK keeps in local storage. It is
// written only after a successful sign-in and never holds challenge state.
type cachedSession struct {
	Username     string    `json:"username"`
	IDToken      string    `json:"id_token"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type sessionCache struct {
	store storage.Storage
	key   string
}

func newSessionCache(store storage.Storage, clientID string) *sessionCache {
	return &sessionCache{store: store, key: "cognito." + clientID + ".session"}
}

// load returns nil without error when nothing is cached.
func (c *sessionCache) load(ctx context.Context) (*cachedSession, error) {
	data, err := c.store.Get(ctx, c.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var cs cachedSession
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &cs, nil
}

func (c *sessionCache) save(ctx context.Context, cs *cachedSession) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode cached session: %w", err)
	}
	return c.store.Set(ctx, c.key, data)
}

func (c *sessionCache) clear(ctx context.Context) error {
	return c.store.Remove(ctx, c.key)
}
