package adapters

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/Marketen/duties-notifier/internal/application/ports"
)

// levelDBStore keeps the service state in a local LevelDB directory.
type levelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens (or creates) the database at path.
func NewLevelDBStore(path string) (ports.PersistentStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb at %s", path)
	}
	return &levelDBStore{db: db}, nil
}

// NewLevelDBStoreWithStorage opens a database over an existing storage, e.g.
// storage.NewMemStorage() in tests.
func NewLevelDBStoreWithStorage(stor storage.Storage) (ports.PersistentStore, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open leveldb")
	}
	return &levelDBStore{db: db}, nil
}

func (s *levelDBStore) Get(key string) ([]byte, error) {
	value, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ports.ErrNotFound
	}
	return value, err
}

func (s *levelDBStore) Put(key string, value []byte) error {
	return s.db.Put([]byte(key), value, nil)
}

func (s *levelDBStore) Delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}

func (s *levelDBStore) Close() error {
	return s.db.Close()
}
