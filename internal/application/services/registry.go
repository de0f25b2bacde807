package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
	"github.com/Marketen/duties-notifier/internal/logger"
	"github.com/Marketen/duties-notifier/internal/metrics"
)

// ColorPalette is cycled through when assigning display colors.
var ColorPalette = []string{
	"#3b82f6", "#10b981", "#f59e0b", "#ef4444", "#8b5cf6",
	"#ec4899", "#14b8a6", "#f97316", "#06b6d4", "#84cc16",
}

const fallbackColor = "#6b7280"

// ValidatorRegistry holds the tracked validators in insertion order.
// Colors are session-scoped and never persisted.
type ValidatorRegistry struct {
	beacon ports.BeaconChainAdapter
	store  ports.PersistentStore

	mu         sync.RWMutex
	validators []domain.Validator
	colors     map[string]string
	labels     map[string]string
}

func NewValidatorRegistry(beacon ports.BeaconChainAdapter, store ports.PersistentStore) *ValidatorRegistry {
	return &ValidatorRegistry{
		beacon: beacon,
		store:  store,
		colors: make(map[string]string),
		labels: make(map[string]string),
	}
}

// Load restores validators and labels from the store. Run migrations first.
func (r *ValidatorRegistry) Load() error {
	var validators []domain.Validator
	if _, err := loadJSON(r.store, ports.KeyValidators, &validators); err != nil {
		return err
	}
	labels := make(map[string]string)
	if _, err := loadJSON(r.store, ports.KeyValidatorLabels, &labels); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators = validators
	r.labels = labels
	r.colors = make(map[string]string)
	for _, v := range r.validators {
		r.assignColorLocked(v.ID())
	}
	metrics.TrackedValidators.Set(float64(len(r.validators)))
	return nil
}

// Add validates raw input, resolves it against the beacon node and starts tracking it.
func (r *ValidatorRegistry) Add(ctx context.Context, raw string) (domain.Validator, error) {
	kind, value := domain.ClassifyInput(raw)
	if kind == domain.InputInvalid {
		return domain.Validator{}, errors.Wrapf(domain.ErrInvalidFormat, "%q", value)
	}

	if kind == domain.InputIndex {
		if existing, ok := r.find(value); ok {
			return domain.Validator{}, &domain.DuplicateValidatorError{Existing: existing.ID()}
		}
	}

	info, err := r.beacon.GetValidatorInfo(ctx, value)
	if err != nil {
		return domain.Validator{}, fmt.Errorf("%w: %s: %w", domain.ErrResolutionFailed, value, err)
	}
	if info == nil {
		return domain.Validator{}, fmt.Errorf("%w: %s not found on the beacon chain", domain.ErrResolutionFailed, value)
	}

	v := domain.Validator{
		Index:       info.Index,
		Pubkey:      strings.ToLower(info.Pubkey),
		Status:      info.Status,
		LastChecked: time.Now().UnixMilli(),
	}

	r.mu.Lock()
	if existing, ok := r.duplicateLocked(v); ok {
		r.mu.Unlock()
		return domain.Validator{}, &domain.DuplicateValidatorError{Existing: existing}
	}
	r.validators = append(r.validators, v)
	r.assignColorLocked(v.ID())
	v = r.decorateLocked(v)
	r.mu.Unlock()

	if kind == domain.InputPubkey {
		logger.Info("Converted pubkey %s to validator index %s", domain.TruncateID(value), v.ID())
	}
	logger.Info("Validator %s added", v.ID())
	return v, r.save()
}

// Remove stops tracking id and forgets its color and label. Ledger entries for
// the validator are kept.
func (r *ValidatorRegistry) Remove(id string) error {
	r.mu.Lock()
	idx := -1
	for i, v := range r.validators {
		if v.ID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return errors.Wrap(domain.ErrValidatorNotTracked, id)
	}
	r.validators = append(r.validators[:idx], r.validators[idx+1:]...)
	delete(r.colors, id)
	delete(r.labels, id)
	r.mu.Unlock()

	logger.Info("Validator %s removed", id)
	return r.save()
}

// AssignColor returns the color of id, assigning one if it has none yet.
func (r *ValidatorRegistry) AssignColor(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignColorLocked(id)
}

// Color returns the assigned color, or a neutral grey for unknown ids.
func (r *ValidatorRegistry) Color(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.colors[id]; ok {
		return c
	}
	return fallbackColor
}

func (r *ValidatorRegistry) assignColorLocked(id string) string {
	if c, ok := r.colors[id]; ok {
		return c
	}
	used := make(map[string]struct{}, len(r.colors))
	for _, c := range r.colors {
		used[c] = struct{}{}
	}
	color := ""
	for _, c := range ColorPalette {
		if _, taken := used[c]; !taken {
			color = c
			break
		}
	}
	if color == "" {
		color = ColorPalette[len(r.colors)%len(ColorPalette)]
	}
	r.colors[id] = color
	return color
}

// SetLabel stores a custom label; an empty or blank label reverts to the default.
func (r *ValidatorRegistry) SetLabel(id, text string) error {
	text = strings.TrimSpace(text)
	r.mu.Lock()
	if text == "" {
		delete(r.labels, id)
	} else {
		r.labels[id] = text
	}
	labels := copyLabels(r.labels)
	r.mu.Unlock()
	return saveJSON(r.store, ports.KeyValidatorLabels, labels)
}

// Label returns the custom label of id, or its truncated default form.
func (r *ValidatorRegistry) Label(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.labelLocked(id)
}

func (r *ValidatorRegistry) labelLocked(id string) string {
	if l, ok := r.labels[id]; ok && l != "" {
		return l
	}
	return domain.TruncateID(id)
}

// MatchDuty resolves a duty's validator reference: pubkey first, then index.
func (r *ValidatorRegistry) MatchDuty(ref domain.ValidatorRef) (domain.Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref.Pubkey != "" {
		pk := strings.ToLower(ref.Pubkey)
		for _, v := range r.validators {
			if v.Pubkey != "" && v.Pubkey == pk {
				return r.decorateLocked(v), true
			}
		}
	}
	for _, v := range r.validators {
		if v.Index == ref.Index {
			return r.decorateLocked(v), true
		}
	}
	return domain.Validator{}, false
}

// Validators returns a copy of the tracked validators with label and color set.
func (r *ValidatorRegistry) Validators() []domain.Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Validator, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, r.decorateLocked(v))
	}
	return out
}

// Indices returns the tracked validator indices in insertion order.
func (r *ValidatorRegistry) Indices() []domain.ValidatorIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ValidatorIndex, 0, len(r.validators))
	for _, v := range r.validators {
		out = append(out, v.Index)
	}
	return out
}

func (r *ValidatorRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.validators)
}

// Get returns the tracked validator with the given id.
func (r *ValidatorRegistry) Get(id string) (domain.Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.validators {
		if v.ID() == id {
			return r.decorateLocked(v), true
		}
	}
	return domain.Validator{}, false
}

// RefreshStatus updates chain status for validators not checked within maxAge.
// Lookup failures leave the previous status in place.
func (r *ValidatorRegistry) RefreshStatus(ctx context.Context, maxAge time.Duration) {
	now := time.Now()
	changed := false
	for _, v := range r.Validators() {
		if now.Sub(time.UnixMilli(v.LastChecked)) < maxAge {
			continue
		}
		info, err := r.beacon.GetValidatorInfo(ctx, v.ID())
		if err != nil || info == nil {
			logger.Debug("Could not refresh status of validator %s: %v", v.ID(), err)
			continue
		}
		r.mu.Lock()
		for i := range r.validators {
			if r.validators[i].Index == v.Index {
				if r.validators[i].Status != info.Status {
					logger.Info("Validator %s status changed: %q -> %q", v.ID(), r.validators[i].Status, info.Status)
				}
				r.validators[i].Status = info.Status
				r.validators[i].LastChecked = now.UnixMilli()
				if r.validators[i].Pubkey == "" {
					r.validators[i].Pubkey = strings.ToLower(info.Pubkey)
				}
				changed = true
			}
		}
		r.mu.Unlock()
	}
	if changed {
		if err := r.save(); err != nil {
			logger.Error("Failed to persist validator status: %v", err)
		}
	}
}

func (r *ValidatorRegistry) find(id string) (domain.Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.validators {
		if v.ID() == id {
			return v, true
		}
	}
	return domain.Validator{}, false
}

func (r *ValidatorRegistry) duplicateLocked(v domain.Validator) (string, bool) {
	for _, existing := range r.validators {
		if existing.Index == v.Index {
			return existing.ID(), true
		}
		if v.Pubkey != "" && existing.Pubkey == v.Pubkey {
			return existing.ID(), true
		}
	}
	return "", false
}

func (r *ValidatorRegistry) decorateLocked(v domain.Validator) domain.Validator {
	v.Label = r.labelLocked(v.ID())
	if c, ok := r.colors[v.ID()]; ok {
		v.Color = c
	} else {
		v.Color = fallbackColor
	}
	return v
}

// insert adds an already resolved validator. It reports false for duplicates.
func (r *ValidatorRegistry) insert(v domain.Validator, label string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.duplicateLocked(v); dup {
		return false
	}
	r.validators = append(r.validators, v)
	r.assignColorLocked(v.ID())
	if label = strings.TrimSpace(label); label != "" {
		r.labels[v.ID()] = label
	}
	return true
}

func (r *ValidatorRegistry) save() error {
	r.mu.RLock()
	validators := make([]domain.Validator, len(r.validators))
	copy(validators, r.validators)
	labels := copyLabels(r.labels)
	r.mu.RUnlock()

	metrics.TrackedValidators.Set(float64(len(validators)))
	if err := saveJSON(r.store, ports.KeyValidators, validators); err != nil {
		return err
	}
	return saveJSON(r.store, ports.KeyValidatorLabels, labels)
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
