package syncview

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
)

// durable local store over an embedded badger db.
// one db serves every scope's cache entry.
type BadgerLocalStore struct {
	db *badger.DB
}

func NewBadgerLocalStore(path string) (*BadgerLocalStore, error) {
	options := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(options)
	if err != nil {
		return nil, err
	}
	return &BadgerLocalStore{
		db: db,
	}, nil
}

func (self *BadgerLocalStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (self *BadgerLocalStore) Set(key string, value []byte) error {
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (self *BadgerLocalStore) Close() error {
	return self.db.Close()
}
