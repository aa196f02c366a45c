package secrets

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"dbstack/internal/domain"
)

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!#$%&()*+,-.:;<=>?[]^_{|}~"

// MemoryBackend is an in-process secret store with explicit read grants. The
// backend itself is the owner view; consumers read through As(principal).
type MemoryBackend struct {
	mu      sync.RWMutex
	secrets map[string]*memorySecret
	seq     int
}

type memorySecret struct {
	ref    domain.CredentialRef
	value  []byte
	grants map[string]bool
}

// NewMemoryBackend returns an empty store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{secrets: make(map[string]*memorySecret)}
}

func (m *MemoryBackend) RandomPassword(_ context.Context, length int, exclude string) (string, error) {
	var alphabet []rune
	for _, r := range passwordAlphabet {
		if !strings.ContainsRune(exclude, r) {
			alphabet = append(alphabet, r)
		}
	}
	if len(alphabet) == 0 || length < 1 {
		return "", domain.Configf("password", "cannot generate %d characters", length)
	}

	var sb strings.Builder
	limit := big.NewInt(int64(len(alphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		sb.WriteRune(alphabet[n.Int64()])
	}
	return sb.String(), nil
}

func (m *MemoryBackend) Create(_ context.Context, name, _ string, value []byte) (domain.CredentialRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[name]; ok {
		return domain.CredentialRef{}, fmt.Errorf("%w: %s", ErrExists, name)
	}
	m.seq++
	ref := domain.CredentialRef{
		Name: name,
		ARN:  fmt.Sprintf("arn:memory:secret:%s-%d", name, m.seq),
	}
	m.secrets[name] = &memorySecret{ref: ref, value: append([]byte(nil), value...), grants: make(map[string]bool)}
	return ref, nil
}

func (m *MemoryBackend) Describe(_ context.Context, name string) (domain.CredentialRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookup(domain.CredentialRef{Name: name})
	if err != nil {
		return domain.CredentialRef{}, err
	}
	return s.ref, nil
}

func (m *MemoryBackend) Value(_ context.Context, ref domain.CredentialRef) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookup(ref)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), s.value...), nil
}

func (m *MemoryBackend) Put(_ context.Context, ref domain.CredentialRef, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(ref)
	if err != nil {
		return err
	}
	s.value = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, ref domain.CredentialRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, err := m.lookup(ref); err == nil {
		delete(m.secrets, s.ref.Name)
	}
	return nil
}

// GrantRead lets principal read ref through As.
func (m *MemoryBackend) GrantRead(_ context.Context, ref domain.CredentialRef, principal domain.Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(ref)
	if err != nil {
		return err
	}
	s.grants[principal.Name] = true
	return nil
}

// Names lists the stored secret names in order.
func (m *MemoryBackend) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.secrets))
	for name := range m.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// As returns a read-only view that enforces principal's grants.
func (m *MemoryBackend) As(principal domain.Principal) Reader {
	return principalView{backend: m, principal: principal}
}

func (m *MemoryBackend) lookup(ref domain.CredentialRef) (*memorySecret, error) {
	if s, ok := m.secrets[ref.Name]; ok {
		return s, nil
	}
	for _, s := range m.secrets {
		if ref.ARN != "" && s.ref.ARN == ref.ARN {
			return s, nil
		}
	}
	return nil, &domain.ResourceError{Resource: "secret/" + ref.Name, Op: "lookup", Err: domain.ErrSecretNotFound}
}

type principalView struct {
	backend   *MemoryBackend
	principal domain.Principal
}

func (v principalView) Value(ctx context.Context, ref domain.CredentialRef) ([]byte, error) {
	v.backend.mu.RLock()
	s, err := v.backend.lookup(ref)
	granted := err == nil && s.grants[v.principal.Name]
	v.backend.mu.RUnlock()

	if err != nil {
		return nil, err
	}
	if !granted {
		return nil, &domain.ResourceError{
			Resource: "secret/" + ref.Name,
			Op:       "get-value",
			Err:      fmt.Errorf("%w: %s has no read grant", domain.ErrAccessDenied, v.principal.Name),
		}
	}
	return v.backend.Value(ctx, ref)
}
