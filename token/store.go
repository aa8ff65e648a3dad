package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/otpd/otpd/internal/util"
	"github.com/otpd/otpd/storage"
)

// ErrSerialExists is returned when enrolling a serial that is already
// taken.
var ErrSerialExists = errors.New("serial already enrolled")

// Store persists credentials as sealed records. The seal key lives in a
// memguard Enclave; per-record keys are derived from it so no two
// records share an AES key. Update serializes read-modify-write cycles
// per serial, which is what keeps concurrent counter mutations from
// losing increments.
type Store struct {
	repo    storage.Repository
	sealKey *memguard.Enclave

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore wraps a repository with sealing. sealKey must be 32 bytes;
// memguard wipes the caller's copy.
func NewStore(repo storage.Repository, sealKey []byte) (*Store, error) {
	if len(sealKey) != util.AESKeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", util.AESKeySize, len(sealKey))
	}
	return &Store{
		repo:    repo,
		sealKey: memguard.NewEnclave(sealKey),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) serialLock(serial string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[serial]
	if !ok {
		l = &sync.Mutex{}
		s.locks[serial] = l
	}
	return l
}

// recordKey derives the per-record AES key from the seal key.
func (s *Store) recordKey(serial string) ([]byte, error) {
	buf, err := s.sealKey.Open()
	if err != nil {
		return nil, fmt.Errorf("opening seal key: %w", err)
	}
	defer buf.Destroy()
	return util.HKDF(buf.Bytes(), []byte(serial), storage.RecordAAD(storage.RecordTypeToken, "key"))
}

func (s *Store) seal(c *Credential, version uint64) (*storage.Envelope, error) {
	key, err := s.recordKey(c.Serial)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	plain, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding credential %s: %w", c.Serial, err)
	}
	return storage.SealRecord(key, plain, storage.RecordAAD(storage.RecordTypeToken, c.Serial), version)
}

func (s *Store) open(serial string, env *storage.Envelope) (*Credential, error) {
	key, err := s.recordKey(serial)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	plain, err := storage.OpenRecord(key, env, storage.RecordAAD(storage.RecordTypeToken, serial))
	if err != nil {
		return nil, fmt.Errorf("opening credential %s: %w", serial, err)
	}
	defer util.WipeBytes(plain)

	var c Credential
	if err := json.Unmarshal(plain, &c); err != nil {
		return nil, fmt.Errorf("decoding credential %s: %w", serial, err)
	}
	return &c, nil
}

// Create enrolls a new credential. Fails when the serial exists.
func (s *Store) Create(c *Credential) error {
	env, err := s.seal(c, 1)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(storage.RecordTypeToken, c.Serial, 0, env); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("%w: %s", ErrSerialExists, c.Serial)
		}
		return err
	}
	return nil
}

// Get loads one credential.
func (s *Store) Get(serial string) (*Credential, error) {
	env, err := s.repo.Get(storage.RecordTypeToken, serial)
	if err != nil {
		return nil, err
	}
	return s.open(serial, env)
}

// Update applies a read-modify-write cycle to one credential under the
// per-serial lock. Returning an error from fn aborts without writing.
func (s *Store) Update(serial string, fn func(*Credential) error) error {
	lock := s.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	env, err := s.repo.Get(storage.RecordTypeToken, serial)
	if err != nil {
		return err
	}
	c, err := s.open(serial, env)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}

	next, err := s.seal(c, env.Version+1)
	if err != nil {
		return err
	}
	return s.repo.PutCAS(storage.RecordTypeToken, serial, env.Version, next)
}

// Delete removes a credential.
func (s *Store) Delete(serial string) error {
	lock := s.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()
	return s.repo.Delete(storage.RecordTypeToken, serial)
}

// List returns all enrolled serials.
func (s *Store) List() ([]string, error) {
	return s.repo.List(storage.RecordTypeToken)
}

// ListByOwner loads every credential owned by (login, realm).
func (s *Store) ListByOwner(login, realm string) ([]*Credential, error) {
	serials, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Credential
	for _, serial := range serials {
		c, err := s.Get(serial)
		if err != nil {
			return nil, err
		}
		if c.Owner != nil && c.Owner.Login == login && c.Owner.Realm == realm {
			out = append(out, c)
		}
	}
	return out, nil
}

// FindByPartition locates the QR credential whose pairing partition
// matches, used to route incoming pairing responses.
func (s *Store) FindByPartition(partition uint32) (*Credential, error) {
	serials, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, serial := range serials {
		c, err := s.Get(serial)
		if err != nil {
			return nil, err
		}
		if c.Kind == KindQR && c.Pairing != nil && c.Pairing.Partition == partition {
			return c, nil
		}
	}
	return nil, storage.ErrNotFound
}
