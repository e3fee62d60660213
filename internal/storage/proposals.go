package storage

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = fmt.Errorf("record not found")

// SaveProposal inserts or replaces a proposal row
func (s *Store) SaveProposal(p *contracts.Proposal) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, ProposalsBucket, p.ID, p)
	})
}

// CreateProposalWithApproval inserts a proposal and its linked pending
// approval in one transaction so the cross-links can never be half-written.
func (s *Store) CreateProposalWithApproval(p *contracts.Proposal, a *contracts.Approval) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if a != nil {
			if err := putJSON(tx, ApprovalsBucket, a.ID, a); err != nil {
				return err
			}
		}
		return putJSON(tx, ProposalsBucket, p.ID, p)
	})
}

// GetProposal retrieves a proposal by id
func (s *Store) GetProposal(id string) (*contracts.Proposal, error) {
	var p *contracts.Proposal
	err := s.db.View(func(tx *bbolt.Tx) error {
		var rec contracts.Proposal
		if err := getJSON(tx, ProposalsBucket, id, &rec); err != nil {
			return err
		}
		p = &rec
		return nil
	})
	return p, err
}

// ListProposals returns proposals newest-first, optionally filtered by status
func (s *Store) ListProposals(status contracts.ProposalStatus) ([]*contracts.Proposal, error) {
	var out []*contracts.Proposal
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(ProposalsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec contracts.Proposal
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

// TransitionProposalStatus moves a proposal between states only when it is
// currently in one of the expected states. Returns false when the transition
// lost the race or the proposal is missing.
func (s *Store) TransitionProposalStatus(id string, from []contracts.ProposalStatus, to contracts.ProposalStatus) (bool, error) {
	var moved bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var rec contracts.Proposal
		if err := getJSON(tx, ProposalsBucket, id, &rec); err != nil {
			return nil // missing row is not a transaction error
		}
		for _, f := range from {
			if rec.Status == f {
				rec.Status = to
				moved = true
				return putJSON(tx, ProposalsBucket, id, &rec)
			}
		}
		return nil
	})
	return moved, err
}

// ClaimExecutedRun assigns executedRunId exactly once and inserts the run
// row in the same transaction, so the claimed id can never point at a run
// that was never written. When the field is already set the existing run id
// is returned and claimed is false; the idempotent-replay contract.
func (s *Store) ClaimExecutedRun(proposalID string, run *contracts.Run) (existing string, claimed bool, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		var rec contracts.Proposal
		if err := getJSON(tx, ProposalsBucket, proposalID, &rec); err != nil {
			return err
		}
		if rec.ExecutedRunID != "" {
			existing = rec.ExecutedRunID
			return nil
		}
		rec.ExecutedRunID = run.ID
		if err := putJSON(tx, RunsBucket, run.ID, run); err != nil {
			return err
		}
		claimed = true
		return putJSON(tx, ProposalsBucket, proposalID, &rec)
	})
	return existing, claimed, err
}

// FinishProposal records the terminal state of an executed proposal
func (s *Store) FinishProposal(id string, status contracts.ProposalStatus) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var rec contracts.Proposal
		if err := getJSON(tx, ProposalsBucket, id, &rec); err != nil {
			return err
		}
		rec.Status = status
		return putJSON(tx, ProposalsBucket, id, &rec)
	})
}

// putJSON and getJSON are the shared record codecs: every bucket stores
// JSON-marshaled records keyed by ULID or natural id.

func putJSON(tx *bbolt.Tx, bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
}

func getJSON(tx *bbolt.Tx, bucket, key string, v interface{}) error {
	data := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}
