package registry

import (
	"bytes"
	"encoding/json"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
)

var servicesBucket = []byte("services")

// Store is the bbolt-backed service registry.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the registry at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageIO, "open registry", 0, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(servicesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(errors.CodeStorageIO, "init registry bucket", 0, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Save validates and persists a service, deriving its ServiceId from the
// canonical encoding; an Id already set on svc is replaced.
func (s *Store) Save(svc Service) (envelope.ServiceId, error) {
	if err := svc.Validate(); err != nil {
		return envelope.ServiceId{}, err
	}
	canonical, err := svc.Canonical()
	if err != nil {
		return envelope.ServiceId{}, errors.Wrap(errors.CodeMissingField, "encode service", 0, err)
	}
	id := envelope.DeriveServiceId(canonical)
	svc.Id = id

	data, err := json.Marshal(svc)
	if err != nil {
		return envelope.ServiceId{}, errors.Wrap(errors.CodeMissingField, "marshal service", 0, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(servicesBucket).Put(id[:], data)
	})
	if err != nil {
		return envelope.ServiceId{}, errors.Wrap(errors.CodeStorageIO, "save service", 0, err)
	}
	return id, nil
}

// Get fetches a service by id.
func (s *Store) Get(id envelope.ServiceId) (Service, error) {
	var svc Service
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(servicesBucket).Get(id[:])
		if v == nil {
			return errors.New(errors.CodeNotFound, "service not found", 0)
		}
		return json.Unmarshal(v, &svc)
	})
	if err != nil {
		return Service{}, err
	}
	return svc, nil
}

// Exists reports whether a service with id is persisted.
func (s *Store) Exists(id envelope.ServiceId) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(servicesBucket).Get(id[:]) != nil
		return nil
	})
	return exists, err
}

// Remove deletes a service. Removing an absent service is not an error.
func (s *Store) Remove(id envelope.ServiceId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(servicesBucket).Delete(id[:])
	})
}

// IsActive reports whether the service exists and is marked active.
func (s *Store) IsActive(id envelope.ServiceId) (bool, error) {
	svc, err := s.Get(id)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return svc.Active, nil
}

// GetWorkflow fetches one workflow from a service.
func (s *Store) GetWorkflow(id envelope.ServiceId, workflowID envelope.WorkflowId) (Workflow, error) {
	svc, err := s.Get(id)
	if err != nil {
		return Workflow{}, err
	}
	wf, ok := svc.Workflows[workflowID]
	if !ok {
		return Workflow{}, errors.New(errors.CodeNotFound, "workflow not found", 0)
	}
	return wf, nil
}

// FindByManager looks up the service bound to a given (chain, manager
// address) pair, the admin API's GET /service?chain_name=&address= lookup.
// Scans the full table: fine at this node's scale (a handful of services),
// and avoids a secondary index for a route that is not on any hot path.
func (s *Store) FindByManager(chainKey envelope.ChainKey, address string) (Service, error) {
	svcs, err := s.List(nil, nil)
	if err != nil {
		return Service{}, err
	}
	for _, svc := range svcs {
		if svc.Manager.Chain == chainKey && strings.EqualFold(svc.Manager.Address, address) {
			return svc, nil
		}
	}
	return Service{}, errors.New(errors.CodeNotFound, "no service bound to that manager", 0)
}

// List returns services whose ids fall in [from, to) (either bound may be
// nil for open-ended), in ascending ServiceId order — bbolt's native key
// order, since ServiceId is a fixed-width byte array used directly as key.
func (s *Store) List(from, to *envelope.ServiceId) ([]Service, error) {
	var out []Service
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(servicesBucket).Cursor()
		var k, v []byte
		if from != nil {
			k, v = c.Seek(from[:])
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			if to != nil && bytes.Compare(k, to[:]) >= 0 {
				break
			}
			var svc Service
			if err := json.Unmarshal(v, &svc); err != nil {
				return err
			}
			out = append(out, svc)
		}
		return nil
	})
	return out, err
}
