package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MasterKeySize is the required length of master key material.
const MasterKeySize = 32

const keyIDLen = 16

type keyVersion struct {
	id        string
	material  []byte
	createdAt time.Time
}

// Keyring holds every master key version the process has seen. Only the
// active version seals; retained versions keep opening older records.
//
// Version numbers are local to the process. Records are matched to their
// master key by key id, which is derived from the material and therefore
// survives restarts.
type Keyring struct {
	mu       sync.RWMutex
	versions map[int]keyVersion
	byID     map[string][]byte
	active   int
}

// KeyID returns the stable identifier of master key material.
func KeyID(material []byte) (string, error) {
	if len(material) != MasterKeySize {
		return "", fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(material))
	}
	raw, err := deriveBytes(material, []byte("master_key_id"), "key_id")
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw)[:keyIDLen], nil
}

// NewKeyring loads previous as retained versions, oldest first, and master as
// the active version after them.
func NewKeyring(master []byte, now time.Time, previous ...[]byte) (*Keyring, error) {
	k := &Keyring{
		versions: make(map[int]keyVersion),
		byID:     make(map[string][]byte),
	}
	for _, material := range append(append([][]byte(nil), previous...), master) {
		if _, err := k.add(material, now); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func (k *Keyring) add(material []byte, now time.Time) (int, error) {
	id, err := KeyID(material)
	if err != nil {
		return 0, err
	}
	next := k.active + 1
	kept := append([]byte(nil), material...)
	k.versions[next] = keyVersion{id: id, material: kept, createdAt: now}
	k.byID[id] = kept
	k.active = next
	return next, nil
}

// Active returns the active version and its material.
func (k *Keyring) Active() (int, []byte) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active, k.versions[k.active].material
}

// ActiveID returns the key id of the active version.
func (k *Keyring) ActiveID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.versions[k.active].id
}

// Lookup returns the material for version.
func (k *Keyring) Lookup(version int) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.versions[version]
	return v.material, ok
}

// Resolve returns the material a record was sealed under. A non-empty id is
// authoritative; records without one fall back to the version number.
func (k *Keyring) Resolve(version int, id string) ([]byte, bool) {
	if id == "" {
		return k.Lookup(version)
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	material, ok := k.byID[id]
	return material, ok
}

// Rotate adds material as a new active version. A nil material generates a
// fresh random key.
func (k *Keyring) Rotate(material []byte, now time.Time) (int, error) {
	if material == nil {
		material = make([]byte, MasterKeySize)
		if _, err := rand.Read(material); err != nil {
			return 0, fmt.Errorf("failed to generate master key: %w", err)
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	return k.add(material, now)
}

// Versions returns the retained versions in ascending order.
func (k *Keyring) Versions() []int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]int, 0, len(k.versions))
	for v := range k.versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func (k *Keyring) activeSince() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.versions[k.active].createdAt
}
