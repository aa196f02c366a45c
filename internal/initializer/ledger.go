package initializer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dbstack/internal/domain"
)

// ErrStale means the record changed between read and write. Re-running the
// deployment resolves it.
var ErrStale = fmt.Errorf("%w: hook record changed concurrently", domain.ErrTransient)

// Ledger persists one record per (hook, token).
type Ledger interface {
	// Get returns nil when the token was never recorded.
	Get(ctx context.Context, hook, token string) (*domain.HookRecord, error)
	// Put stores rec only if the stored state is still from. A missing
	// record counts as Pending. Otherwise it returns ErrStale.
	Put(ctx context.Context, rec domain.HookRecord, from domain.HookState) error
}

// MemoryLedger is a process-local ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]domain.HookRecord
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]domain.HookRecord)}
}

func memoryKey(hook, token string) string {
	return hook + "\x00" + token
}

func (l *MemoryLedger) Get(_ context.Context, hook, token string) (*domain.HookRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[memoryKey(hook, token)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (l *MemoryLedger) Put(_ context.Context, rec domain.HookRecord, from domain.HookState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := memoryKey(rec.Hook, rec.Token)
	current, ok := l.records[key]
	state := domain.HookPending
	if ok {
		state = current.State
	}
	if state != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStale, rec.Hook, state, from)
	}
	l.records[key] = rec
	return nil
}

// Records returns every record sorted by hook then token.
func (l *MemoryLedger) Records() []domain.HookRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.HookRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hook != out[j].Hook {
			return out[i].Hook < out[j].Hook
		}
		return out[i].Token < out[j].Token
	})
	return out
}
