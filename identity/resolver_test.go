package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConfig is a mutable in-memory ConfigSource.
type fakeConfig struct {
	mu        sync.Mutex
	realms    map[string][]string
	resolvers map[string]map[string]string
	err       error
}

func (f *fakeConfig) RealmResolvers(realm string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.realms[realm]...), nil
}

func (f *fakeConfig) ResolverConfig(spec string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resolvers[spec], nil
}

func (f *fakeConfig) set(fn func(*fakeConfig)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// fakeDirectory serves records keyed by resolver spec and login.
type fakeDirectory struct {
	mu      sync.Mutex
	users   map[string]map[string]*Record // spec -> login -> record
	byID    map[string]*Record
	err     error
	lookups int
}

func (f *fakeDirectory) LookupByLogin(_ context.Context, login, spec string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	if rec, ok := f.users[spec][login]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (f *fakeDirectory) LookupByID(_ context.Context, uid, spec string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if rec, ok := f.byID[spec+"/"+uid]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (f *fakeDirectory) CheckPassword(_ context.Context, uid, spec, password string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return password == "hunter2", nil
}

func (f *fakeDirectory) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func newFixture() (*fakeConfig, *fakeDirectory, *Resolver) {
	cfg := &fakeConfig{
		realms: map[string][]string{
			"corp": {"ldap-main"},
		},
		resolvers: map[string]map[string]string{
			"ldap-main": {"uri": "ldap://a.example.com", "base": "dc=corp"},
			"ldap-alt":  {"uri": "ldap://b.example.com", "base": "dc=corp"},
		},
	}
	dir := &fakeDirectory{
		users: map[string]map[string]*Record{
			"ldap-main": {"alice": {UID: "u1", Login: "alice"}},
			"ldap-alt":  {"alice": {UID: "u9", Login: "alice"}},
		},
	}
	return cfg, dir, NewResolver(dir, cfg)
}

func TestResolveCachesPositiveLookups(t *testing.T) {
	_, dir, r := newFixture()

	rec, err := r.Resolve(context.Background(), "alice", "corp")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UID)
	assert.Equal(t, "ldap-main", rec.Resolver)
	assert.Equal(t, "corp", rec.Realm)

	// Second resolve is served from cache.
	_, err = r.Resolve(context.Background(), "alice", "corp")
	require.NoError(t, err)
	assert.Equal(t, 1, dir.lookupCount())
}

func TestResolveNotFoundIsNotCached(t *testing.T) {
	_, dir, r := newFixture()

	_, err := r.Resolve(context.Background(), "mallory", "corp")
	assert.ErrorIs(t, err, ErrNotFound)

	// The user appearing later must be visible immediately.
	dir.mu.Lock()
	dir.users["ldap-main"]["mallory"] = &Record{UID: "u7", Login: "mallory"}
	dir.mu.Unlock()

	rec, err := r.Resolve(context.Background(), "mallory", "corp")
	require.NoError(t, err)
	assert.Equal(t, "u7", rec.UID)
}

func TestResolveInvalidatesOnRealmChange(t *testing.T) {
	cfg, _, r := newFixture()

	rec, err := r.Resolve(context.Background(), "alice", "corp")
	require.NoError(t, err)
	require.Equal(t, "u1", rec.UID)

	// Swap the realm to another resolver: the stale binding must never
	// be served again.
	cfg.set(func(f *fakeConfig) { f.realms["corp"] = []string{"ldap-alt"} })

	rec, err = r.Resolve(context.Background(), "alice", "corp")
	require.NoError(t, err)
	assert.Equal(t, "u9", rec.UID)
	assert.Equal(t, "ldap-alt", rec.Resolver)
}

func TestResolveInvalidatesOnResolverConfigChange(t *testing.T) {
	cfg, dir, r := newFixture()

	_, err := r.Resolve(context.Background(), "alice", "corp")
	require.NoError(t, err)
	require.Equal(t, 1, dir.lookupCount())

	cfg.set(func(f *fakeConfig) {
		f.resolvers["ldap-main"] = map[string]string{"uri": "ldap://c.example.com", "base": "dc=corp"}
	})

	// The entry was evicted, so the directory is consulted again.
	_, err = r.Resolve(context.Background(), "alice", "corp")
	require.NoError(t, err)
	assert.Equal(t, 2, dir.lookupCount())
}

func TestResolveDirectoryUnavailable(t *testing.T) {
	_, dir, r := newFixture()
	dir.err = errors.New("connection refused")

	_, err := r.Resolve(context.Background(), "alice", "corp")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestResolveConfigUnavailable(t *testing.T) {
	cfg, _, r := newFixture()
	cfg.set(func(f *fakeConfig) { f.err = errors.New("config store down") })

	_, err := r.Resolve(context.Background(), "alice", "corp")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
}

func TestResolveConcurrentInvalidation(t *testing.T) {
	cfg, _, r := newFixture()

	_, err := r.Resolve(context.Background(), "alice", "corp")
	require.NoError(t, err)

	cfg.set(func(f *fakeConfig) { f.realms["corp"] = []string{"ldap-alt"} })

	// Many requests racing on the same stale fingerprint must all see
	// the new binding.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := r.Resolve(context.Background(), "alice", "corp")
			assert.NoError(t, err)
			assert.Equal(t, "u9", rec.UID)
		}()
	}
	wg.Wait()
}

func TestResolveByID(t *testing.T) {
	_, dir, r := newFixture()
	dir.byID = map[string]*Record{"ldap-main/u1": {UID: "u1", Login: "alice"}}

	rec, err := r.ResolveByID(context.Background(), "u1", "ldap-main")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Login)

	_, err = r.ResolveByID(context.Background(), "u404", "ldap-main")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckPassword(t *testing.T) {
	_, dir, r := newFixture()
	rec := &Record{UID: "u1", Resolver: "ldap-main"}

	ok, err := r.CheckPassword(context.Background(), rec, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CheckPassword(context.Background(), rec, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	dir.err = errors.New("down")
	_, err = r.CheckPassword(context.Background(), rec, "hunter2")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
}
