package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type cacheEntry struct {
	record   *Record
	realm    string
	resolver string
}

// Resolver caches positive identity lookups. Alongside the identity
// cache it keeps two fingerprint caches, realm name -> hash of the
// resolver list and resolver spec -> hash of the resolver config; both
// are revalidated on every lookup before a cached identity may be
// served.
type Resolver struct {
	dir UserDirectory
	cfg ConfigSource

	mu          sync.Mutex
	identities  map[string]*cacheEntry
	realmFPs    map[string]string
	resolverFPs map[string]string
}

// NewResolver builds a resolver cache over a directory and its
// configuration source.
func NewResolver(dir UserDirectory, cfg ConfigSource) *Resolver {
	return &Resolver{
		dir:         dir,
		cfg:         cfg,
		identities:  make(map[string]*cacheEntry),
		realmFPs:    make(map[string]string),
		resolverFPs: make(map[string]string),
	}
}

func identityKey(login, realm string) string {
	return login + "@" + realm
}

// fingerprint hashes a canonical rendering of its inputs.
func fingerprint(parts []string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func configFingerprint(cfg map[string]string) string {
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+cfg[k])
	}
	return fingerprint(parts)
}

// revalidate compares the live configuration against the cached
// fingerprints and evicts dependent identity entries on mismatch. It
// holds the mutex across the whole evict-and-refresh step so racing
// requests on the same stale configuration each see a consistent
// cache; eviction is idempotent.
func (r *Resolver) revalidate(realm string, specs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	realmFP := fingerprint(specs)
	if prev, ok := r.realmFPs[realm]; !ok || prev != realmFP {
		for k, e := range r.identities {
			if e.realm == realm {
				delete(r.identities, k)
			}
		}
		r.realmFPs[realm] = realmFP
	}

	for _, spec := range specs {
		cfg, err := r.cfg.ResolverConfig(spec)
		if err != nil {
			return fmt.Errorf("%w: resolver %s: %v", ErrDirectoryUnavailable, spec, err)
		}
		fp := configFingerprint(cfg)
		if prev, ok := r.resolverFPs[spec]; !ok || prev != fp {
			for k, e := range r.identities {
				if e.resolver == spec {
					delete(r.identities, k)
				}
			}
			r.resolverFPs[spec] = fp
		}
	}
	return nil
}

func (r *Resolver) cached(key string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.identities[key]; ok {
		cp := *e.record
		return &cp
	}
	return nil
}

func (r *Resolver) put(key string, rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.identities[key] = &cacheEntry{record: &cp, realm: rec.Realm, resolver: rec.Resolver}
}

// Resolve maps (login, realm) to a directory identity. The realm's
// resolvers are tried in configured order; the first hit wins and is
// cached. Misses are not cached.
func (r *Resolver) Resolve(ctx context.Context, login, realm string) (*Record, error) {
	specs, err := r.cfg.RealmResolvers(realm)
	if err != nil {
		return nil, fmt.Errorf("%w: realm %s: %v", ErrDirectoryUnavailable, realm, err)
	}
	if err := r.revalidate(realm, specs); err != nil {
		return nil, err
	}

	key := identityKey(login, realm)
	if rec := r.cached(key); rec != nil {
		return rec, nil
	}

	for _, spec := range specs {
		rec, err := r.dir.LookupByLogin(ctx, login, spec)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
		}
		rec.Realm = realm
		rec.Resolver = spec
		r.put(key, rec)
		return rec, nil
	}
	return nil, fmt.Errorf("%w: %s in realm %s", ErrNotFound, login, realm)
}

// ResolveByID maps (uid, resolver spec) to an identity, bypassing realm
// resolution. Used for tokens that store the owner's resolver binding.
func (r *Resolver) ResolveByID(ctx context.Context, uid, spec string) (*Record, error) {
	rec, err := r.dir.LookupByID(ctx, uid, spec)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: uid %s", ErrNotFound, uid)
		}
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	rec.Resolver = spec
	return rec, nil
}

// CheckPassword delegates to the directory (used by PIN policy mode 1,
// where the token PIN is the user's directory password).
func (r *Resolver) CheckPassword(ctx context.Context, rec *Record, password string) (bool, error) {
	ok, err := r.dir.CheckPassword(ctx, rec.UID, rec.Resolver, password)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return ok, nil
}

