package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

var ErrInvalidRole = errors.New("invalid role")

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

func (r Role) Valid() bool {
	return r.rank() > 0
}

// Allows reports whether r carries at least the privileges of required.
func (r Role) Allows(required Role) bool {
	return r.Valid() && r.rank() >= required.rank()
}

type Identity struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Token string `json:"token,omitempty"`
	// ExpiresAt is optional; nil means no expiry.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (i Identity) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// InMemoryStore keeps issued tokens mapped to identities.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]Identity
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]Identity),
	}
}

// Register creates an identity with the given role and returns the token.
func (s *InMemoryStore) Register(role Role, ttl time.Duration) (Identity, error) {
	if !role.Valid() {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	identity := Identity{
		ID:    fmt.Sprintf("%s_%s", role, randomID()),
		Role:  role,
		Token: randomID(),
	}
	if ttl > 0 {
		expiry := time.Now().Add(ttl)
		identity.ExpiresAt = &expiry
	}

	s.mu.Lock()
	s.users[identity.Token] = identity
	s.mu.Unlock()
	return identity, nil
}

func (s *InMemoryStore) Lookup(token string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[token]
	if !ok || u.Expired(time.Now()) {
		return Identity{}, false
	}
	return u, true
}

// Seed allows hydrating identities from persistent storage.
func (s *InMemoryStore) Seed(identity Identity) {
	if identity.Token == "" || identity.Expired(time.Now()) {
		return
	}
	s.mu.Lock()
	s.users[identity.Token] = identity
	s.mu.Unlock()
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
