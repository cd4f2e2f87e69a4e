package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// MemoryStore is an in-memory catalog and credential store. It backs the
// CLI and tests; production deployments plug their own Repository and
// CredentialStore implementations into the executor instead.
type MemoryStore struct {
	mu          sync.RWMutex
	systems     map[string]*System
	endpoints   map[string]*Endpoint
	credentials map[string]*Credential
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		systems:     make(map[string]*System),
		endpoints:   make(map[string]*Endpoint),
		credentials: make(map[string]*Credential),
	}
}

// AddSystem registers or replaces a system
func (s *MemoryStore) AddSystem(sys *System) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systems[sys.ID] = sys
}

// AddEndpoint registers or replaces an endpoint
func (s *MemoryStore) AddEndpoint(ep *Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep
}

// AddCredential registers or replaces a credential
func (s *MemoryStore) AddCredential(cred *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[cred.ID] = cred
}

// GetEndpoint implements Repository
func (s *MemoryStore) GetEndpoint(_ context.Context, endpointID string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[endpointID], nil
}

// GetSystem implements Repository
func (s *MemoryStore) GetSystem(_ context.Context, systemID string) (*System, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systems[systemID], nil
}

// GetCredential implements CredentialStore
func (s *MemoryStore) GetCredential(_ context.Context, credentialID string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials[credentialID], nil
}

// Size returns the number of systems and endpoints in the store
func (s *MemoryStore) Size() (systems, endpoints int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.systems), len(s.endpoints)
}

// catalogFile is the on-disk shape consumed by LoadFile
type catalogFile struct {
	Systems     []*System     `json:"systems"`
	Endpoints   []*Endpoint   `json:"endpoints"`
	Credentials []*Credential `json:"credentials"`
}

// LoadFile reads a JSON catalog file into a MemoryStore
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}

	store := NewMemoryStore()
	for _, sys := range file.Systems {
		if sys.ID == "" {
			return nil, fmt.Errorf("catalog system missing id")
		}
		store.AddSystem(sys)
	}
	for _, ep := range file.Endpoints {
		if ep.ID == "" {
			return nil, fmt.Errorf("catalog endpoint missing id")
		}
		store.AddEndpoint(ep)
	}
	for _, cred := range file.Credentials {
		if cred.ID == "" {
			return nil, fmt.Errorf("catalog credential missing id")
		}
		store.AddCredential(cred)
	}

	return store, nil
}
