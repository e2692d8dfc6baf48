package keyring

import "sync"

// MemoryStore keeps entries for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (s *MemoryStore) Get(service, account string) ([]byte, bool, error) {
	key, err := entryKey(service, account)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Set(service, account string, secret []byte) error {
	key, err := entryKey(service, account)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[key] = append([]byte(nil), secret...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(service, account string) error {
	key, err := entryKey(service, account)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}
