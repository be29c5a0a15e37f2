package credentials

import (
	"context"
	"sync"
	"time"

	"pulpo/errors"
)

// Credential is an encrypted token set for one integration.
type Credential struct {
	IntegrationID         string
	Platform              string
	Type                  string // oauth_access_token, api_key
	EncryptedValue        string
	EncryptedRefreshToken string
	TokenExpiry           time.Time
	TokenURL              string
	UpdatedAt             time.Time
}

// ErrNotFound is returned when an integration has no stored credential.
var ErrNotFound = errors.New("credential not found")

// Store persists encrypted credentials.
type Store interface {
	GetCredential(ctx context.Context, integrationID string) (Credential, error)
	PutCredential(ctx context.Context, cred Credential) error
}

// MemoryStore is an in-process Store used in tests and single-binary
// setups without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

func (s *MemoryStore) GetCredential(_ context.Context, integrationID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[integrationID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

func (s *MemoryStore) PutCredential(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.IntegrationID] = cred
	return nil
}
