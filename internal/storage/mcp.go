package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pocketbrain/pocketbrain/internal/contracts"
)

// SaveMCPServer inserts or replaces an MCP server record
func (s *Store) SaveMCPServer(server *contracts.MCPServer) error {
	server.Updated = time.Now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, MCPServersBucket, server.ID, server)
	})
}

// GetMCPServer retrieves an MCP server record by id
func (s *Store) GetMCPServer(id string) (*contracts.MCPServer, error) {
	var server *contracts.MCPServer
	err := s.db.View(func(tx *bbolt.Tx) error {
		var rec contracts.MCPServer
		if err := getJSON(tx, MCPServersBucket, id, &rec); err != nil {
			return err
		}
		server = &rec
		return nil
	})
	return server, err
}

// ListMCPServers returns all server records. When hiddenID is non-empty the
// matching record is excluded; the built-in server never shows up in
// default listings.
func (s *Store) ListMCPServers(hiddenID string) ([]*contracts.MCPServer, error) {
	var out []*contracts.MCPServer
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(MCPServersBucket)).ForEach(func(k, v []byte) error {
			if hiddenID != "" && string(k) == hiddenID {
				return nil
			}
			var rec contracts.MCPServer
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// DeleteMCPServerCascade removes a server, its log lines, and its whole
// approval history in one transaction.
func (s *Store) DeleteMCPServerCascade(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		servers := tx.Bucket([]byte(MCPServersBucket))
		if servers.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		if err := servers.Delete([]byte(id)); err != nil {
			return err
		}

		// Log lines are keyed "<serverID>/<ulid>"
		logs := tx.Bucket([]byte(MCPLogsBucket))
		prefix := []byte(id + "/")
		var logKeys [][]byte
		c := logs.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			logKeys = append(logKeys, append([]byte(nil), k...))
		}
		for _, k := range logKeys {
			if err := logs.Delete(k); err != nil {
				return err
			}
		}

		approvals := tx.Bucket([]byte(ApprovalsBucket))
		ac := approvals.Cursor()
		var doomed [][]byte
		for k, v := ac.First(); k != nil; k, v = ac.Next() {
			var rec contracts.Approval
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ServerID == id {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, k := range doomed {
			if err := approvals.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendMCPLog appends one line to a server-scoped append-only log
func (s *Store) AppendMCPLog(serverID, line string) error {
	key := fmt.Sprintf("%s/%s", serverID, NewID())
	entry := struct {
		Timestamp time.Time `json:"ts"`
		Line      string    `json:"line"`
	}{time.Now(), line}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, MCPLogsBucket, key, &entry)
	})
}

// MCPLogEntry is one line of a server-scoped log
type MCPLogEntry struct {
	Timestamp time.Time `json:"ts"`
	Line      string    `json:"line"`
}

// ListMCPLogs returns up to tail most-recent log lines for a server,
// oldest-first
func (s *Store) ListMCPLogs(serverID string, tail int) ([]MCPLogEntry, error) {
	var out []MCPLogEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(serverID + "/")
		c := tx.Bucket([]byte(MCPLogsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec MCPLogEntry
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
