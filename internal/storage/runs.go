package storage

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

// SaveRun inserts or replaces a run row
func (s *Store) SaveRun(r *contracts.Run) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, RunsBucket, r.ID, r)
	})
}

// GetRun retrieves a run by id
func (s *Store) GetRun(id string) (*contracts.Run, error) {
	var r *contracts.Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		var rec contracts.Run
		if err := getJSON(tx, RunsBucket, id, &rec); err != nil {
			return err
		}
		r = &rec
		return nil
	})
	return r, err
}

// FinishRun writes the completion fields of a run. Finished runs are
// otherwise immutable.
func (s *Store) FinishRun(id string, status contracts.RunStatus, update func(*contracts.Run)) (*contracts.Run, error) {
	var out *contracts.Run
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var rec contracts.Run
		if err := getJSON(tx, RunsBucket, id, &rec); err != nil {
			return err
		}
		now := time.Now()
		rec.Status = status
		rec.FinishedAt = &now
		if update != nil {
			update(&rec)
		}
		out = &rec
		return putJSON(tx, RunsBucket, id, &rec)
	})
	return out, err
}

// ListRuns returns runs newest-first
func (s *Store) ListRuns() ([]*contracts.Run, error) {
	var out []*contracts.Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(RunsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec contracts.Run
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

// Agent (helper swarm) runs

// SaveAgentRun inserts or replaces a helper/merge run row
func (s *Store) SaveAgentRun(r *contracts.AgentRun) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, AgentRunsBucket, r.ID, r)
	})
}

// MarkAgentRunRunning flips a pending helper/merge run to running
func (s *Store) MarkAgentRunRunning(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var rec contracts.AgentRun
		if err := getJSON(tx, AgentRunsBucket, id, &rec); err != nil {
			return err
		}
		rec.Status = contracts.AgentRunRunning
		return putJSON(tx, AgentRunsBucket, id, &rec)
	})
}

// FinishAgentRun writes the terminal fields of a helper/merge run
func (s *Store) FinishAgentRun(id string, status contracts.AgentRunStatus, result, errMsg, model string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var rec contracts.AgentRun
		if err := getJSON(tx, AgentRunsBucket, id, &rec); err != nil {
			return err
		}
		now := time.Now()
		rec.Status = status
		rec.Result = result
		rec.Error = errMsg
		rec.Model = model
		rec.FinishedAt = &now
		return putJSON(tx, AgentRunsBucket, id, &rec)
	})
}

// ListAgentRuns returns helper/merge runs for a conversation, oldest-first so
// pollers see helpers before the merge step.
func (s *Store) ListAgentRuns(conversationID string) ([]*contracts.AgentRun, error) {
	var out []*contracts.AgentRun
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(AgentRunsBucket)).ForEach(func(_, v []byte) error {
			var rec contracts.AgentRun
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if conversationID == "" || rec.ConversationID == conversationID {
				out = append(out, &rec)
			}
			return nil
		})
	})
	return out, err
}

// Canvas items

// SaveCanvasItem inserts an internal content record
func (s *Store) SaveCanvasItem(item *contracts.CanvasItem) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, CanvasBucket, item.ID, item)
	})
}

// ListCanvasItems returns canvas items newest-first
func (s *Store) ListCanvasItems() ([]*contracts.CanvasItem, error) {
	var out []*contracts.CanvasItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(CanvasBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec contracts.CanvasItem
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}
