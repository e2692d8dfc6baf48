// Package identitystore opens the per-identity encrypted storage: the chat
// database and the group engine state, both keyed by a database key kept in
// the keyring.
package identitystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pika-chat/go-core/internal/groupengine"
	"pika-chat/go-core/internal/identity"
	"pika-chat/go-core/internal/keyring"
	"pika-chat/go-core/internal/securestore"
	"pika-chat/go-core/internal/storage"
)

const (
	identitiesDir  = "identities"
	ChatsFileName  = "chats.sqlite3"
	GroupsFileName = "groups.enc"
)

var ErrMissingKey = errors.New("identity store exists but its database key is missing")

type Store struct {
	dir    string
	chats  *storage.ChatStore
	groups *groupengine.Engine
}

// Dir returns the storage directory of pubkeyHex under dataDir.
func Dir(dataDir, pubkeyHex string) string {
	return filepath.Join(dataDir, identitiesDir, strings.ToLower(pubkeyHex))
}

func dbKeyAccount(pubkeyHex string) string {
	return "db.key." + strings.ToLower(pubkeyHex)
}

// DefaultKeyring returns the process keyring, falling back to a file store in
// dataDir when the host configured none.
func DefaultKeyring(dataDir string) (keyring.Store, error) {
	return keyring.EnsureDefault(func() (keyring.Store, error) {
		return keyring.OpenFileStore(dataDir)
	})
}

// OpenOrCreate opens the storage of keys, creating the directory and the
// database key on first use.
func OpenOrCreate(ctx context.Context, dataDir string, keys identity.Keys) (*Store, error) {
	if keys.Pubkey == "" {
		return nil, identity.ErrInvalidPubkey
	}
	ring, err := DefaultKeyring(dataDir)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	dir := Dir(dataDir, keys.Pubkey)
	key, err := loadOrCreateKey(ring, dir, keys.Pubkey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	chats, err := storage.OpenChatStore(ctx, filepath.Join(dir, ChatsFileName), key)
	if err != nil {
		return nil, err
	}
	groups, err := groupengine.New(keys, groupengine.NewFileStore(filepath.Join(dir, GroupsFileName), key))
	if err != nil {
		_ = chats.Close()
		return nil, err
	}
	return &Store{dir: dir, chats: chats, groups: groups}, nil
}

func loadOrCreateKey(ring keyring.Store, dir, pubkeyHex string) ([]byte, error) {
	account := dbKeyAccount(pubkeyHex)
	key, ok, err := ring.Get(keyring.ServiceID, account)
	if err != nil {
		return nil, fmt.Errorf("keyring get: %w", err)
	}
	if ok {
		if len(key) != securestore.KeySize {
			return nil, fmt.Errorf("%w: stored key has size %d", ErrMissingKey, len(key))
		}
		return key, nil
	}
	if _, err := os.Stat(filepath.Join(dir, ChatsFileName)); err == nil {
		return nil, ErrMissingKey
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key, err = securestore.NewKey()
	if err != nil {
		return nil, err
	}
	if err := ring.Set(keyring.ServiceID, account, key); err != nil {
		return nil, fmt.Errorf("keyring set: %w", err)
	}
	return key, nil
}

func (s *Store) Chats() *storage.ChatStore { return s.chats }

func (s *Store) Groups() *groupengine.Engine { return s.groups }

func (s *Store) Dir() string { return s.dir }

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.chats.Close()
}

// Wipe removes the identity directory and its database key.
func Wipe(dataDir, pubkeyHex string) error {
	if strings.TrimSpace(pubkeyHex) == "" {
		return identity.ErrInvalidPubkey
	}
	var errs []error
	if ring, err := keyring.Default(); err == nil {
		if err := ring.Delete(keyring.ServiceID, dbKeyAccount(pubkeyHex)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(Dir(dataDir, pubkeyHex)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
