// Package storage persists governance records in a single-file bbolt store.
// All multi-row mutations that must be atomic (linked inserts, cascades,
// retention purges) run inside one bbolt transaction; state transitions are
// conditional updates so two racing writers cannot both win.
package storage

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Bucket names
const (
	ProposalsBucket  = "proposals"
	ApprovalsBucket  = "approvals"
	RunsBucket       = "runs"
	AgentRunsBucket  = "agent_runs"
	MCPServersBucket = "mcp_servers"
	MCPLogsBucket    = "mcp_logs"
	CanvasBucket     = "canvas"
	AuditBucket      = "audit"
	MetaBucket       = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
	PolicyKey        = "policy"
)

// CurrentSchemaVersion of the on-disk layout
const CurrentSchemaVersion = 1

// Store wraps bolt database operations
type Store struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// Open opens (or creates) the governance database under dataDir
func Open(dataDir string, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "governance.db")

	db, err := bbolt.Open(dbPath, 0o644, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			ProposalsBucket,
			ApprovalsBucket,
			RunsBucket,
			AgentRunsBucket,
			MCPServersBucket,
			MCPLogsBucket,
			CanvasBucket,
			AuditBucket,
			MetaBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket([]byte(MetaBucket))
		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return meta.Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// SchemaVersion returns the on-disk schema version
func (s *Store) SchemaVersion() (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}
		data := bucket.Get([]byte(SchemaVersionKey))
		if data == nil {
			return nil
		}
		version = binary.LittleEndian.Uint64(data)
		return nil
	})
	return version, err
}

// NewID returns a lexicographically sortable record id. ULID keys keep bucket
// iteration in creation order, which retention pruning relies on.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
