package credential

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/99designs/keyring"
)

const serviceName = "pagewatch"

// KeyringTokenStore keeps sealed tokens in an encrypted file keyring, for
// deployments that do not want credentials in the database.
type KeyringTokenStore struct {
	ring keyring.Keyring
}

// OpenKeyringTokenStore opens a file keyring in dir, protected by password.
func OpenKeyringTokenStore(dir, password string) (*KeyringTokenStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      serviceName,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          dir,
		FilePasswordFunc: keyring.FixedStringPrompt(password),
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringTokenStore{ring: ring}, nil
}

func (k *KeyringTokenStore) Load(_ context.Context, owner string) (string, error) {
	item, err := k.ring.Get(owner)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotStored
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", owner, err)
	}
	return string(item.Data), nil
}

func (k *KeyringTokenStore) Save(_ context.Context, owner, sealed string) error {
	err := k.ring.Set(keyring.Item{
		Key:   owner,
		Data:  []byte(sealed),
		Label: "pagewatch token for " + owner,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", owner, err)
	}
	return nil
}

func (k *KeyringTokenStore) Delete(_ context.Context, owner string) error {
	err := k.ring.Remove(owner)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting credential %q: %w", owner, err)
	}
	return nil
}
