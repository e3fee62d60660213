package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
	"github.com/pocketbrain/pocketbrain/internal/policy"
)

// GetPolicy returns the singleton policy document, normalized on every read.
// A missing document yields the default policy.
func (s *Store) GetPolicy() (*contracts.Policy, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(MetaBucket)).Get([]byte(PolicyKey))
		if data != nil {
			raw = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return policy.Default(), nil
	}

	p, err := policy.NormalizeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize stored policy: %w", err)
	}
	return p, nil
}

// SavePolicy replaces the singleton policy document, normalized on write
func (s *Store) SavePolicy(p *contracts.Policy) error {
	policy.Normalize(p)
	p.UpdatedAt = time.Now()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(PolicyKey), data)
	})
}
