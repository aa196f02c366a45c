package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

// CredentialRequest describes a database credential to issue.
type CredentialRequest struct {
	Name     string
	Username string
	DBName   string
	Port     int
	Engine   string
}

func (r CredentialRequest) validate() error {
	cfgErr := &domain.ConfigError{}
	if r.Name == "" {
		cfgErr.Add("dbSecretName", "required")
	}
	if r.Username == "" {
		cfgErr.Add("dbAdminUser", "required")
	}
	if r.DBName == "" {
		cfgErr.Add("defaultDbName", "required")
	}
	if r.Port < 1 || r.Port > 65535 {
		cfgErr.Add("dbPort", fmt.Sprintf("%d is not a valid port", r.Port))
	}
	return cfgErr.OrNil()
}

// Binding issues credentials into a Backend and hands out references only.
// It never caches material: every read goes to the backend.
type Binding struct {
	backend Backend
	granter Granter
}

// NewBinding creates a binding over backend. granter may be nil when nothing
// needs explicit grants.
func NewBinding(backend Backend, granter Granter) *Binding {
	return &Binding{backend: backend, granter: granter}
}

// EnsureCredential creates the credential at req.Name unless one already
// exists there. Repeat calls return the same reference and never regenerate
// the password.
func (b *Binding) EnsureCredential(ctx context.Context, req CredentialRequest) (domain.CredentialRef, error) {
	if err := req.validate(); err != nil {
		return domain.CredentialRef{}, err
	}
	return b.ensure(ctx, req.Name, "Generated database credential", func(ctx context.Context) ([]byte, error) {
		password, err := b.backend.RandomPassword(ctx, PasswordLength, PasswordExcludeChars)
		if err != nil {
			return nil, err
		}
		return json.Marshal(domain.SecretMaterial{
			Engine:   req.Engine,
			Username: req.Username,
			Password: password,
			DBName:   req.DBName,
			Port:     req.Port,
		})
	})
}

// EnsureOpaque stores whatever generate returns at name, once.
func (b *Binding) EnsureOpaque(ctx context.Context, name, description string, generate func(context.Context) ([]byte, error)) (domain.CredentialRef, error) {
	if name == "" {
		return domain.CredentialRef{}, domain.Configf("secret", "name is required")
	}
	return b.ensure(ctx, name, description, generate)
}

func (b *Binding) ensure(ctx context.Context, name, description string, generate func(context.Context) ([]byte, error)) (domain.CredentialRef, error) {
	ref, err := b.backend.Describe(ctx, name)
	if err == nil {
		logging.LogResourceOperation("secret/"+name, "reuse", true, nil)
		return ref, nil
	}
	if !errors.Is(err, domain.ErrSecretNotFound) {
		return domain.CredentialRef{}, err
	}

	value, err := generate(ctx)
	if err != nil {
		return domain.CredentialRef{}, fmt.Errorf("generating secret %s: %w", name, err)
	}
	ref, err = b.backend.Create(ctx, name, description, value)
	if errors.Is(err, ErrExists) {
		// Lost a race with another writer; theirs wins.
		return b.backend.Describe(ctx, name)
	}
	if err != nil {
		logging.LogResourceOperation("secret/"+name, "create", false, err)
		return domain.CredentialRef{}, err
	}
	logging.LogResourceOperation("secret/"+name, "create", true, nil)
	return ref, nil
}

// Attach records where the credential's database lives. It is the only write
// to a credential after creation.
func (b *Binding) Attach(ctx context.Context, ref domain.CredentialRef, host string, port int) error {
	raw, err := b.backend.Value(ctx, ref)
	if err != nil {
		return err
	}
	var material domain.SecretMaterial
	if err := json.Unmarshal(raw, &material); err != nil {
		return fmt.Errorf("secret %s is not a database credential: %w", ref.Name, err)
	}
	if material.Host == host && material.Port == port {
		return nil
	}
	material.Host = host
	material.Port = port

	raw, err = json.Marshal(material)
	if err != nil {
		return err
	}
	if err := b.backend.Put(ctx, ref, raw); err != nil {
		return err
	}
	logging.LogResourceOperation("secret/"+ref.Name, "attach", true, nil)
	return nil
}

// Grant gives principal read access to ref.
func (b *Binding) Grant(ctx context.Context, ref domain.CredentialRef, principal domain.Principal) error {
	if ref.IsZero() {
		return fmt.Errorf("%w: grant on an unissued credential", domain.ErrOrdering)
	}
	if b.granter == nil {
		return domain.Configf("secret", "no granter configured for %s", ref.Name)
	}
	if err := b.granter.GrantRead(ctx, ref, principal); err != nil {
		return err
	}
	logging.LogInfo("Granted secret read", map[string]interface{}{
		"secret":    ref.Name,
		"principal": principal.Name,
	})
	return nil
}

// Delete removes the secret behind ref.
func (b *Binding) Delete(ctx context.Context, ref domain.CredentialRef) error {
	if err := b.backend.Delete(ctx, ref); err != nil {
		return err
	}
	logging.LogResourceOperation("secret/"+ref.Name, "delete", true, nil)
	return nil
}

// Backend exposes the owner view, used by the stack to build resolvers.
func (b *Binding) Backend() Backend {
	return b.backend
}
