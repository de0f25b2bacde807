package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
)

// LedgerKey identifies one (duty type, slot, validator) notification.
func LedgerKey(kind string, slot domain.Slot, validatorID string) string {
	return fmt.Sprintf("%s-%d-%s", kind, slot, validatorID)
}

// Ledger is the persisted set of already notified duties. Entries are only
// removed by Clear.
type Ledger struct {
	store ports.PersistentStore

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewLedger(store ports.PersistentStore) *Ledger {
	return &Ledger{store: store, seen: make(map[string]struct{})}
}

func (l *Ledger) Load() error {
	var keys []string
	if _, err := loadJSON(l.store, ports.KeyNotifiedDuties, &keys); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		l.seen[k] = struct{}{}
	}
	return nil
}

func (l *Ledger) Has(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[key]
	return ok
}

// MarkIfAbsent adds key and persists the ledger. It reports false when key was
// already present. The key stays marked even if persisting fails.
func (l *Ledger) MarkIfAbsent(key string) (bool, error) {
	l.mu.Lock()
	if _, ok := l.seen[key]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.seen[key] = struct{}{}
	keys := l.keysLocked()
	l.mu.Unlock()

	return true, saveJSON(l.store, ports.KeyNotifiedDuties, keys)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// Clear forgets every notified duty.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	l.seen = make(map[string]struct{})
	l.mu.Unlock()
	return l.store.Delete(ports.KeyNotifiedDuties)
}

func (l *Ledger) keysLocked() []string {
	keys := make([]string, 0, len(l.seen))
	for k := range l.seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
