package utils

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// HashOrRead turns an admin password from the environment into a bcrypt hash.
// Values that already look like a bcrypt hash are returned unchanged.
func HashOrRead(password string) ([]byte, error) {
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(password, p) {
			return []byte(password), nil
		}
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}
