package services

import (
	"sync"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/ports"
)

// SettingsProvider supplies the notification preferences for a scheduler tick.
type SettingsProvider interface {
	NotificationSettings() domain.NotificationSettings
}

// SettingsStore keeps notification preferences in memory and in the store.
type SettingsStore struct {
	store ports.PersistentStore

	mu      sync.RWMutex
	current domain.NotificationSettings
}

func NewSettingsStore(store ports.PersistentStore) *SettingsStore {
	return &SettingsStore{store: store, current: domain.DefaultNotificationSettings()}
}

func (s *SettingsStore) Load() error {
	settings := domain.DefaultNotificationSettings()
	if _, err := loadJSON(s.store, ports.KeySettings, &settings); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = normalizeSettings(settings)
	s.mu.Unlock()
	return nil
}

func (s *SettingsStore) NotificationSettings() domain.NotificationSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn to a copy of the settings and persists the result.
func (s *SettingsStore) Update(fn func(*domain.NotificationSettings)) (domain.NotificationSettings, error) {
	s.mu.Lock()
	next := s.current
	fn(&next)
	next = normalizeSettings(next)
	s.current = next
	s.mu.Unlock()
	return next, saveJSON(s.store, ports.KeySettings, next)
}

func normalizeSettings(s domain.NotificationSettings) domain.NotificationSettings {
	if s.LeadMinutes < 0 {
		s.LeadMinutes = 0
	}
	return s
}
