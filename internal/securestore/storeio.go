package securestore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// ReadDecryptedFile reads and decrypts passphrase protected file content.
func ReadDecryptedFile(path, secret string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decrypt(secret, raw)
}

// WriteEncryptedJSON marshals, encrypts and writes a JSON payload with a passphrase.
func WriteEncryptedJSON(path, secret string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	encrypted, err := Encrypt(secret, payload)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, encrypted)
}

// ReadSealedJSON loads a key-sealed JSON file into v. A missing file leaves v
// untouched and reports found=false.
func ReadSealedJSON(path string, key []byte, v any) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	plain, err := Open(key, raw, []byte(filepath.Base(path)))
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return false, ErrInvalid
	}
	return true, nil
}

func WriteSealedJSON(path string, key []byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := Seal(key, payload, []byte(filepath.Base(path)))
	if err != nil {
		return err
	}
	return writeFileAtomic(path, sealed)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
