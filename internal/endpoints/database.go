package endpoints

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/gluk-w/claworc/scout/internal/database"
)

// Decrypter turns a stored password token back into plaintext.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// LoadDatabase builds a registry from endpoint rows, decrypting passwords
// with dec.
func LoadDatabase(db *gorm.DB, dec Decrypter, defaultUser string) (*Registry, error) {
	records, err := database.ListEndpoints(db)
	if err != nil {
		return nil, err
	}

	eps := make([]Endpoint, 0, len(records))
	for _, rec := range records {
		password, err := dec.Decrypt(rec.Password)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", rec.Name, err)
		}
		ep := Endpoint{
			Name:         rec.Name,
			Host:         rec.Host,
			Port:         rec.Port,
			User:         rec.User,
			IdentityFile: rec.IdentityFile,
			Password:     password,
		}
		if ep.Port == 0 {
			ep.Port = DefaultPort
		}
		if ep.User == "" {
			ep.User = defaultUser
		}
		eps = append(eps, ep)
	}
	return NewRegistry(eps...)
}
