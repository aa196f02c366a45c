package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"dbstack/internal/domain"
)

// Resolver turns a reference into material at the moment it is needed.
type Resolver struct {
	reader Reader
}

// NewResolver reads through reader, which should be the consumer's own view.
func NewResolver(reader Reader) *Resolver {
	return &Resolver{reader: reader}
}

// Resolve fetches and decodes the database credential behind ref.
func (r *Resolver) Resolve(ctx context.Context, ref domain.CredentialRef) (domain.SecretMaterial, error) {
	if ref.IsZero() {
		return domain.SecretMaterial{}, fmt.Errorf("%w: empty credential reference", domain.ErrOrdering)
	}
	raw, err := r.reader.Value(ctx, ref)
	if err != nil {
		return domain.SecretMaterial{}, err
	}

	var material domain.SecretMaterial
	if err := json.Unmarshal(raw, &material); err != nil {
		return domain.SecretMaterial{}, fmt.Errorf("secret %s is not a database credential: %w", ref.Name, err)
	}
	if material.Username == "" || material.Password == "" {
		return domain.SecretMaterial{}, fmt.Errorf("secret %s is missing username or password", ref.Name)
	}
	return material, nil
}

// ResolveName resolves a credential known only by name.
func (r *Resolver) ResolveName(ctx context.Context, name string) (domain.SecretMaterial, error) {
	return r.Resolve(ctx, domain.CredentialRef{Name: name})
}

// Raw returns an opaque secret value such as a private key.
func (r *Resolver) Raw(ctx context.Context, ref domain.CredentialRef) ([]byte, error) {
	return r.reader.Value(ctx, ref)
}
