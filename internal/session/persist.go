package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/portal/internal/platform/storage"
)

// StorageKey names the durable entry holding the persisted identity.
const StorageKey = "auth-storage"

// persisted is the on-disk shape. Authentication flags, challenge state and
// tokens are deliberately absent.
type persisted struct {
	User *User `json:"user"`
}

// LoadUser reads the persisted identity. It returns nil when nothing has
// been stored yet.
func LoadUser(ctx context.Context, st storage.Storage) (*User, error) {
	data, err := st.Get(ctx, StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", StorageKey, err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", StorageKey, err)
	}
	return p.User, nil
}

func saveUser(ctx context.Context, st storage.Storage, u *User) error {
	data, err := json.Marshal(persisted{User: u})
	if err != nil {
		return fmt.Errorf("encode %s: %w", StorageKey, err)
	}
	if err := st.Set(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("write %s: %w", StorageKey, err)
	}
	return nil
}
