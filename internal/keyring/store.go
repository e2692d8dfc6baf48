// Package keyring holds small secrets (database keys) outside the databases
// they protect. The process-wide default store is configured once.
package keyring

import (
	"errors"
	"strings"
	"sync"
)

// ServiceID namespaces every entry this application writes.
const ServiceID = "com.pika.app"

var (
	ErrStoreConflict = errors.New("keyring default store already configured with a different store")
	ErrNoDefault     = errors.New("keyring default store is not configured")
	ErrInvalidEntry  = errors.New("keyring entry service and account are required")
)

// Store is a key-storage backend. Implementations must be pointer types so
// identity comparison in SetDefault is meaningful.
type Store interface {
	Get(service, account string) ([]byte, bool, error)
	Set(service, account string, secret []byte) error
	Delete(service, account string) error
}

type defaultCell struct {
	mu    sync.Mutex
	done  bool
	store Store
	err   error
}

var current defaultCell

// SetDefault installs s as the process default. Setting the same store again
// is a no-op; a different store after the first one is ErrStoreConflict.
func SetDefault(s Store) error {
	if s == nil {
		return ErrNoDefault
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	if current.done {
		if current.err == nil && current.store == s {
			return nil
		}
		return ErrStoreConflict
	}
	current.done = true
	current.store = s
	current.err = nil
	return nil
}

// EnsureDefault returns the default store, running factory only when none has
// been configured yet. Whatever the first initialization produced, store or
// error, is what every later caller observes.
func EnsureDefault(factory func() (Store, error)) (Store, error) {
	current.mu.Lock()
	defer current.mu.Unlock()
	if !current.done {
		current.done = true
		if factory == nil {
			current.err = ErrNoDefault
		} else {
			current.store, current.err = factory()
			if current.err == nil && current.store == nil {
				current.err = ErrNoDefault
			}
		}
	}
	return current.store, current.err
}

// Default returns the configured store without initializing one.
func Default() (Store, error) {
	current.mu.Lock()
	defer current.mu.Unlock()
	if !current.done {
		return nil, ErrNoDefault
	}
	return current.store, current.err
}

func entryKey(service, account string) (string, error) {
	service = strings.TrimSpace(service)
	account = strings.TrimSpace(account)
	if service == "" || account == "" {
		return "", ErrInvalidEntry
	}
	return service + "/" + account, nil
}
