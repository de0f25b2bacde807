package services

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/Marketen/duties-notifier/internal/application/ports"
)

// loadJSON decodes key into v. It reports false, with no error, when the key is absent.
func loadJSON(store ports.PersistentStore, key string, v interface{}) (bool, error) {
	raw, err := store.Get(key)
	if errors.Is(err, ports.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "read %s", key)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

func saveJSON(store ports.PersistentStore, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return errors.Wrapf(store.Put(key, raw), "write %s", key)
}
