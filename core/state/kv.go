package state

import (
	"errors"

	"github.com/ethereum/go-ethereum/rlp"

	"omniledger/storage"
)

// KVStore exposes typed RLP get/put over a raw storage.Database. Chronicle
// ledgers persist through this surface so the durable encoding stays in one
// place.
type KVStore struct {
	db storage.Database
}

// NewKVStore wraps the provided database.
func NewKVStore(db storage.Database) *KVStore {
	return &KVStore{db: db}
}

// KVGet decodes the value stored at key into out. It reports false with no
// error when the key is absent.
func (s *KVStore) KVGet(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVPut RLP-encodes value and stores it at key.
func (s *KVStore) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}
