// Package identity resolves logins to directory identities through a
// cache whose entries are invalidated by configuration fingerprints: a
// realm's resolver list or a resolver's configuration changing evicts
// every dependent entry before the next lookup is served.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no resolver of the realm knows the
	// user. Negative results are never cached.
	ErrNotFound = errors.New("user not found")

	// ErrDirectoryUnavailable is returned when a directory backend
	// cannot be reached. Callers must report it distinctly from a
	// failed credential.
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)

// Record is one resolved directory identity.
type Record struct {
	UID      string
	Login    string
	Resolver string
	Realm    string

	// Info carries directory attributes (mail, phone, display name).
	Info map[string]string
}

// UserDirectory is the external identity-store collaborator. Lookups
// return ErrNotFound for unknown users and ErrDirectoryUnavailable (or
// any other error) when the backend cannot answer.
type UserDirectory interface {
	LookupByLogin(ctx context.Context, login, resolverSpec string) (*Record, error)
	LookupByID(ctx context.Context, uid, resolverSpec string) (*Record, error)
	CheckPassword(ctx context.Context, uid, resolverSpec, password string) (bool, error)
}

// ConfigSource exposes the live realm/resolver configuration the cache
// fingerprints against.
type ConfigSource interface {
	// RealmResolvers returns the resolver specs of a realm, in
	// configured order.
	RealmResolvers(realm string) ([]string, error)

	// ResolverConfig returns the serializable configuration of one
	// resolver.
	ResolverConfig(spec string) (map[string]string, error)
}
