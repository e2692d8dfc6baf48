package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pika-chat/go-core/internal/securestore"
)

const (
	passphraseEnv  = "PIKA_KEYRING_PASSPHRASE"
	wrappedKeyEnv  = "PIKA_KEYRING_KEY_WRAPPED"
	environmentEnv = "PIKA_ENV"
	keyringFile    = "keyring.enc"
	passphraseFile = "keyring.key"
)

var ErrInsecureKeyMode = errors.New("insecure keyring passphrase mode is forbidden in production")

// FileStore persists entries in one passphrase-encrypted file under the data
// directory. It is the desktop fallback when no platform keystore is wired.
type FileStore struct {
	mu         sync.Mutex
	path       string
	passphrase string
	cache      map[string][]byte
}

// OpenFileStore resolves the passphrase (env first, then keyring.key, which is
// generated on first use outside production) and returns a store rooted at dataDir.
func OpenFileStore(dataDir string) (*FileStore, error) {
	passphrase, err := resolvePassphrase(dataDir)
	if err != nil {
		return nil, err
	}
	return NewFileStore(filepath.Join(dataDir, keyringFile), passphrase), nil
}

func NewFileStore(path, passphrase string) *FileStore {
	return &FileStore{path: path, passphrase: passphrase}
}

func (s *FileStore) Get(service, account string) ([]byte, bool, error) {
	key, err := entryKey(service, account)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return nil, false, err
	}
	v, ok := all[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *FileStore) Set(service, account string, secret []byte) error {
	key, err := entryKey(service, account)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return err
	}
	next := make(map[string][]byte, len(all)+1)
	for k, v := range all {
		next[k] = v
	}
	next[key] = append([]byte(nil), secret...)
	if err := securestore.WriteEncryptedJSON(s.path, s.passphrase, next); err != nil {
		return err
	}
	s.cache = next
	return nil
}

func (s *FileStore) Delete(service, account string) error {
	key, err := entryKey(service, account)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := all[key]; !ok {
		return nil
	}
	next := make(map[string][]byte, len(all))
	for k, v := range all {
		if k != key {
			next[k] = v
		}
	}
	if err := securestore.WriteEncryptedJSON(s.path, s.passphrase, next); err != nil {
		return err
	}
	s.cache = next
	return nil
}

func (s *FileStore) loadLocked() (map[string][]byte, error) {
	if s.cache != nil {
		return s.cache, nil
	}
	plain, err := securestore.ReadDecryptedFile(s.path, s.passphrase)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.cache = map[string][]byte{}
			return s.cache, nil
		}
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	all := map[string][]byte{}
	if err := json.Unmarshal(plain, &all); err != nil {
		return nil, fmt.Errorf("decode keyring: %w", err)
	}
	s.cache = all
	return all, nil
}

func resolvePassphrase(dataDir string) (string, error) {
	if secret := strings.TrimSpace(os.Getenv(passphraseEnv)); secret != "" {
		return secret, nil
	}
	keyPath := filepath.Join(dataDir, passphraseFile)
	existing, err := os.ReadFile(keyPath)
	if err == nil {
		if secret := strings.TrimSpace(string(existing)); secret != "" {
			if policyErr := enforcePassphrasePolicy("file"); policyErr != nil {
				return "", policyErr
			}
			return secret, nil
		}
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if policyErr := enforcePassphrasePolicy("auto-generate"); policyErr != nil {
		return "", policyErr
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := base64.RawStdEncoding.EncodeToString(buf)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(keyPath, []byte(secret), 0o600); err != nil {
		return "", err
	}
	return secret, nil
}

func enforcePassphrasePolicy(source string) error {
	if !isProductionEnv() {
		return nil
	}
	if source == "auto-generate" {
		return fmt.Errorf("%w: production requires %s; raw %s generation is disabled",
			ErrInsecureKeyMode, passphraseEnv, passphraseFile)
	}
	if wrapped, _ := parseBoolEnv(wrappedKeyEnv); wrapped {
		return nil
	}
	return fmt.Errorf("%w: raw %s is forbidden in production; set %s or %s=true",
		ErrInsecureKeyMode, passphraseFile, passphraseEnv, wrappedKeyEnv)
}

func isProductionEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(environmentEnv))) {
	case "prod", "production":
		return true
	default:
		return false
	}
}

func parseBoolEnv(name string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
