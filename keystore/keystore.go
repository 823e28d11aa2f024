// Package keystore persists a participant's root seed and the recovery data
// of completed sessions. The seed plus recovery data is everything needed to
// reconstruct a participant's DKG outputs, so this store is the only durable
// state a participant keeps.
package keystore

import (
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	bucketSeed     = []byte("seed")
	bucketRecovery = []byte("recovery")

	keySeed = []byte("root")

	// ErrNotFound is returned when the requested entry does not exist.
	ErrNotFound = errors.New("not found in keystore")
)

type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the keystore file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore at %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSeed); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRecovery)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize keystore: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveSeed stores the root seed. It refuses to overwrite an existing seed
// with a different one: losing a seed means losing every share derived from
// it.
func (s *Store) SaveSeed(seed [32]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSeed)
		if existing := b.Get(keySeed); existing != nil {
			if len(existing) == 32 && [32]byte(existing) == seed {
				return nil
			}
			return fmt.Errorf("keystore already holds a different seed")
		}
		return b.Put(keySeed, seed[:])
	})
}

// LoadSeed returns the stored root seed.
func (s *Store) LoadSeed() ([32]byte, error) {
	var seed [32]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSeed).Get(keySeed)
		if len(v) != 32 {
			return fmt.Errorf("seed %w", ErrNotFound)
		}
		copy(seed[:], v)
		return nil
	})
	return seed, err
}

// SaveRecovery stores the recovery data of a completed session, keyed by its
// setup id.
func (s *Store) SaveRecovery(setupID [32]byte, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecovery).Put(setupID[:], data)
	})
}

// LoadRecovery returns the recovery data stored for setupID.
func (s *Store) LoadRecovery(setupID [32]byte) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRecovery).Get(setupID[:])
		if v == nil {
			return fmt.Errorf("recovery data %w", ErrNotFound)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// Sessions lists the setup ids of all stored sessions.
func (s *Store) Sessions() ([][32]byte, error) {
	var ids [][32]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecovery).ForEach(func(k, _ []byte) error {
			if len(k) == 32 {
				ids = append(ids, [32]byte(k))
			}
			return nil
		})
	})
	return ids, err
}
