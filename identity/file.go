package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// FileDirectory is a UserDirectory and ConfigSource backed by a single
// JSON file, for small installations and development setups. Reload
// picks up file changes; the exported resolver config digest makes the
// resolution cache drop stale entries afterwards.
type FileDirectory struct {
	mu        sync.RWMutex
	path      string
	realms    map[string][]string
	resolvers map[string]map[string]fileUser
	digest    string
}

type fileUser struct {
	Login          string            `json:"login"`
	UID            string            `json:"uid"`
	PasswordBcrypt string            `json:"password_bcrypt,omitempty"`
	Info           map[string]string `json:"info,omitempty"`
}

type fileLayout struct {
	Realms    map[string][]string `json:"realms"`
	Resolvers map[string]struct {
		Users []fileUser `json:"users"`
	} `json:"resolvers"`
}

// NewFileDirectory loads the directory file at path.
func NewFileDirectory(path string) (*FileDirectory, error) {
	d := &FileDirectory{path: path}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the backing file.
func (d *FileDirectory) Reload() error {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("reading users file: %w", err)
	}

	var layout fileLayout
	if err := json.Unmarshal(raw, &layout); err != nil {
		return fmt.Errorf("parsing users file %s: %w", d.path, err)
	}

	resolvers := make(map[string]map[string]fileUser, len(layout.Resolvers))
	for name, res := range layout.Resolvers {
		users := make(map[string]fileUser, len(res.Users))
		for _, u := range res.Users {
			if u.Login == "" || u.UID == "" {
				return fmt.Errorf("users file %s: resolver %q has a user without login or uid", d.path, name)
			}
			users[u.Login] = u
		}
		resolvers[name] = users
	}

	sum := sha256.Sum256(raw)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.realms = layout.Realms
	d.resolvers = resolvers
	d.digest = hex.EncodeToString(sum[:])
	return nil
}

func (d *FileDirectory) LookupByLogin(_ context.Context, login, resolverSpec string) (*Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.resolvers[resolverSpec][login]
	if !ok {
		return nil, fmt.Errorf("%s@%s: %w", login, resolverSpec, ErrNotFound)
	}
	return d.record(u, resolverSpec), nil
}

func (d *FileDirectory) LookupByID(_ context.Context, uid, resolverSpec string) (*Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, u := range d.resolvers[resolverSpec] {
		if u.UID == uid {
			return d.record(u, resolverSpec), nil
		}
	}
	return nil, fmt.Errorf("uid %s@%s: %w", uid, resolverSpec, ErrNotFound)
}

// CheckPassword verifies against the stored bcrypt hash. Users without
// a hash never match.
func (d *FileDirectory) CheckPassword(_ context.Context, uid, resolverSpec, password string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, u := range d.resolvers[resolverSpec] {
		if u.UID != uid {
			continue
		}
		if u.PasswordBcrypt == "" {
			return false, nil
		}
		err := bcrypt.CompareHashAndPassword([]byte(u.PasswordBcrypt), []byte(password))
		return err == nil, nil
	}
	return false, fmt.Errorf("uid %s@%s: %w", uid, resolverSpec, ErrNotFound)
}

func (d *FileDirectory) RealmResolvers(realm string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.realms[realm], nil
}

// ResolverConfig exposes the file digest so cached identities are
// invalidated when the file content changes.
func (d *FileDirectory) ResolverConfig(resolverSpec string) (map[string]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]string{"file": d.path, "digest": d.digest}, nil
}

func (d *FileDirectory) record(u fileUser, resolverSpec string) *Record {
	info := make(map[string]string, len(u.Info))
	for k, v := range u.Info {
		info[k] = v
	}
	return &Record{UID: u.UID, Login: u.Login, Resolver: resolverSpec, Info: info}
}
