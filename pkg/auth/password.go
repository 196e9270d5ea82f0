package auth

import (
	"errors"
	"fmt"

	"github.com/frontbase/frontbase/pkg/constants"
	"golang.org/x/crypto/bcrypt"
)

const DefaultBcryptCost = 8

// PasswordHasher hashes and checks user credentials.
type PasswordHasher interface {
	Hash(password string) (string, error)
	// Compare returns constants.ErrCredentialMismatch when password does not match hash.
	Compare(hash, password string) error
}

type BcryptHasher struct {
	Cost int
}

func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &BcryptHasher{Cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (h *BcryptHasher) Compare(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return constants.ErrCredentialMismatch
	default:
		// a stored value that is not a bcrypt hash can never match
		return fmt.Errorf("%w: %w", constants.ErrCredentialMismatch, err)
	}
}
