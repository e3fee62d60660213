package storage

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

// SaveApproval inserts or replaces an approval row
func (s *Store) SaveApproval(a *contracts.Approval) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, ApprovalsBucket, a.ID, a)
	})
}

// GetApproval retrieves an approval by id
func (s *Store) GetApproval(id string) (*contracts.Approval, error) {
	var a *contracts.Approval
	err := s.db.View(func(tx *bbolt.Tx) error {
		var rec contracts.Approval
		if err := getJSON(tx, ApprovalsBucket, id, &rec); err != nil {
			return err
		}
		a = &rec
		return nil
	})
	return a, err
}

// ListApprovals returns approvals newest-first, optionally filtered by status
func (s *Store) ListApprovals(status contracts.ApprovalStatus) ([]*contracts.Approval, error) {
	var out []*contracts.Approval
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(ApprovalsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec contracts.Approval
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if status != "" && rec.Status != status {
				continue
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// ResolveApproval performs the conditional pending→resolved transition.
// Returns the updated row and whether this caller won the transition; a
// second resolver on the same row gets resolved=false and the already-final
// record.
func (s *Store) ResolveApproval(id string, to contracts.ApprovalStatus, resolvedBy, reason string) (*contracts.Approval, bool, error) {
	var (
		out      *contracts.Approval
		resolved bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var rec contracts.Approval
		if err := getJSON(tx, ApprovalsBucket, id, &rec); err != nil {
			return err
		}
		if rec.Status != contracts.ApprovalPending {
			out = &rec
			return nil
		}
		now := time.Now()
		rec.Status = to
		rec.ResolvedAt = &now
		rec.ResolvedBy = resolvedBy
		if reason != "" {
			rec.Reason = reason
		}
		resolved = true
		out = &rec
		return putJSON(tx, ApprovalsBucket, id, &rec)
	})
	return out, resolved, err
}

// LatestApprovalFor returns the most recent approval row for a (server, kind)
// pair, or nil when none exists. MCP-kind approvals are keyed this way rather
// than being single-use.
func (s *Store) LatestApprovalFor(serverID string, kind contracts.ApprovalKind) (*contracts.Approval, error) {
	var latest *contracts.Approval
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(ApprovalsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec contracts.Approval
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ServerID == serverID && rec.Kind == kind {
				latest = &rec
				return nil
			}
		}
		return nil
	})
	return latest, err
}

// PendingApprovalForProposal returns the pending approval linked to a
// proposal, or nil
func (s *Store) PendingApprovalForProposal(proposalID string) (*contracts.Approval, error) {
	var found *contracts.Approval
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(ApprovalsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec contracts.Approval
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ProposalID == proposalID && rec.Status == contracts.ApprovalPending {
				found = &rec
				return nil
			}
		}
		return nil
	})
	return found, err
}

// DeleteApproval removes a single approval row
func (s *Store) DeleteApproval(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ApprovalsBucket)).Delete([]byte(id))
	})
}
