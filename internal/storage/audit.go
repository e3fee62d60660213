package storage

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

// AppendAudit writes one append-only audit row
func (s *Store) AppendAudit(entry *contracts.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, AuditBucket, entry.ID, entry)
	})
}

// ListAudit returns up to limit audit rows, newest-first
func (s *Store) ListAudit(limit int) ([]*contracts.AuditEntry, error) {
	var out []*contracts.AuditEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(AuditBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var rec contracts.AuditEntry
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// PruneRetention trims proposals, approvals, runs, helper runs, and audit
// rows down to the keep most-recent of each, in one transaction. ULID keys
// sort by creation time, so pruning walks from the oldest end.
func (s *Store) PruneRetention(keep int) error {
	if keep <= 0 {
		return nil
	}
	buckets := []string{ProposalsBucket, ApprovalsBucket, RunsBucket, AgentRunsBucket, AuditBucket}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			bucket := tx.Bucket([]byte(name))
			var keys [][]byte
			c := bucket.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			if len(keys) <= keep {
				continue
			}
			for _, k := range keys[:len(keys)-keep] {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
