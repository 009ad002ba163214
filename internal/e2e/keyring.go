package e2e

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	secretFile = "device.secret"
	keyFile    = "device.key"
)

// Keyring persists one device identity in a directory: a random device secret
// and the private key wrapped under it.
type Keyring struct {
	dir        string
	iterations int
	mu         sync.Mutex
}

// NewKeyring returns a keyring rooted at dir. iterations <= 0 selects
// DefaultIterations.
func NewKeyring(dir string, iterations int) *Keyring {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Keyring{dir: dir, iterations: iterations}
}

// LoadOrCreate restores the stored device, or generates and stores a new one.
// The boolean reports whether a new device was created.
func (k *Keyring) LoadOrCreate() (*Device, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	secret, err := k.loadOrCreateSecret()
	if err != nil {
		return nil, false, err
	}
	defer zero(secret)

	raw, err := os.ReadFile(filepath.Join(k.dir, keyFile))
	switch {
	case err == nil:
		var w WrappedKey
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, false, errors.Wrap(err, "decode wrapped key")
		}
		d, err := Unwrap(&w, secret)
		if err != nil {
			return nil, false, err
		}
		return d, false, nil
	case !os.IsNotExist(err):
		return nil, false, errors.Wrap(err, "read wrapped key")
	}

	d, err := NewDevice(uuid.NewString())
	if err != nil {
		return nil, false, err
	}
	w, err := d.Wrap(secret, k.iterations)
	if err != nil {
		return nil, false, err
	}
	out, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, false, errors.Wrap(err, "encode wrapped key")
	}
	if err := writeFileAtomic(filepath.Join(k.dir, keyFile), out); err != nil {
		return nil, false, errors.Wrap(err, "write wrapped key")
	}
	return d, true, nil
}

func (k *Keyring) loadOrCreateSecret() ([]byte, error) {
	path := filepath.Join(k.dir, secretFile)
	secret, err := os.ReadFile(path)
	if err == nil {
		if len(secret) != secretLen {
			return nil, errors.Errorf("device secret %s is corrupt", path)
		}
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read device secret")
	}

	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create keyring directory")
	}
	secret = make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "generate device secret")
	}
	if err := writeFileAtomic(path, secret); err != nil {
		return nil, errors.Wrap(err, "write device secret")
	}
	return secret, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
