// Package blobstore implements the content-addressed blob store (C1):
// hash -> bytes, backed by an embedded bbolt database. No eviction.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/avs-mesh/wavsnode/internal/errors"
)

var blobsBucket = []byte("blobs")

// Store is a directory-free, single-file content-addressed blob store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt-backed blob store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageIO, "open blob store", 0, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(errors.CodeStorageIO, "init blob store bucket", 0, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// hashKey is the store's hash function: SHA-256, hex-encoded.
func hashKey(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Put persists bytes and returns their content hash.
func (s *Store) Put(b []byte) (string, error) {
	key := hashKey(b)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blobsBucket)
		// Idempotent: identical content always hashes to the same key.
		return bucket.Put([]byte(key), b)
	})
	if err != nil {
		return "", errors.Wrap(errors.CodeStorageIO, "put blob", 0, err)
	}
	return key, nil
}

// PutExpecting persists bytes only if they hash to the declared hash,
// returning DigestMismatch otherwise. Used when a caller already knows the
// expected hash (e.g. a ComponentSource.Digest) and wants to fail fast on
// corruption rather than silently storing under a different key.
func (s *Store) PutExpecting(declaredHash string, b []byte) error {
	actual := hashKey(b)
	if actual != declaredHash {
		return errors.New(errors.CodeDigestMismatch,
			fmt.Sprintf("declared hash %s does not match computed hash %s", declaredHash, actual), 0)
	}
	_, err := s.Put(b)
	return err
}

// Get fetches bytes by hash.
func (s *Store) Get(hash string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blobsBucket)
		v := bucket.Get([]byte(hash))
		if v == nil {
			return errors.New(errors.CodeNotFound, fmt.Sprintf("blob %s not found", hash), 0)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Has reports whether a blob exists for the given hash.
func (s *Store) Has(hash string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(blobsBucket).Get([]byte(hash)) != nil
		return nil
	})
	if err != nil {
		return false, errors.Wrap(errors.CodeStorageIO, "check blob existence", 0, err)
	}
	return exists, nil
}
