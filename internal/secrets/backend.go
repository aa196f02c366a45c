// Package secrets binds generated credentials to a secret store and resolves
// them by reference.
package secrets

import (
	"context"
	"errors"

	"dbstack/internal/domain"
)

// PasswordExcludeChars are never placed in generated passwords: they break
// MySQL connection strings or shell quoting.
const PasswordExcludeChars = "\" @/\\'"

// PasswordLength is the length of generated database passwords.
const PasswordLength = 32

// ErrExists is returned by Backend.Create when the name is taken.
var ErrExists = errors.New("secret already exists")

// Reader fetches secret values. It is all a consumer ever needs.
type Reader interface {
	Value(ctx context.Context, ref domain.CredentialRef) ([]byte, error)
}

// Backend is a secret store. Lookups by a name that was never created fail
// with domain.ErrSecretNotFound.
type Backend interface {
	Reader
	Create(ctx context.Context, name, description string, value []byte) (domain.CredentialRef, error)
	Describe(ctx context.Context, name string) (domain.CredentialRef, error)
	Put(ctx context.Context, ref domain.CredentialRef, value []byte) error
	Delete(ctx context.Context, ref domain.CredentialRef) error
	RandomPassword(ctx context.Context, length int, exclude string) (string, error)
}

// Granter gives a principal read access to one secret.
type Granter interface {
	GrantRead(ctx context.Context, ref domain.CredentialRef, principal domain.Principal) error
}
