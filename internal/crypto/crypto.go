// Package crypto encrypts endpoint secrets at rest with a Fernet key kept in
// the settings table.
package crypto

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/scout/internal/database"
)

const keySetting = "fernet_key"

// Box encrypts and decrypts strings with a single Fernet key.
type Box struct {
	key *fernet.Key
}

// LoadOrCreate returns a Box using the key stored in db, generating and
// persisting a new key on first use.
func LoadOrCreate(db *gorm.DB) (*Box, error) {
	keyStr, err := database.GetSetting(db, keySetting)
	if errors.Is(err, database.ErrSettingNotFound) {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(db, keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &Box{key: &k}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Box{key: key}, nil
}

func (b *Box) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), b.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt returns the plaintext of a token produced by Encrypt.
// An empty ciphertext decrypts to an empty string.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{b.key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}

func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
