package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdesk/backend/internal/domain/agent"
	"github.com/crewdesk/backend/internal/infrastructure/logging"
	"github.com/crewdesk/backend/internal/shared/id"
)

// Record is one archived session transcript.
type Record struct {
	ID         string        `json:"id"`
	ArchivedAt time.Time     `json:"archivedAt"`
	SessionID  string        `json:"sessionId,omitempty"`
	Goal       string        `json:"goal,omitempty"`
	Status     agent.Status  `json:"status"`
	Log        []agent.Entry `json:"log"`
}

// Metadata is the listing view of a record.
type Metadata struct {
	ID         string       `json:"id"`
	ArchivedAt time.Time    `json:"archivedAt"`
	Goal       string       `json:"goal,omitempty"`
	Status     agent.Status `json:"status"`
	Entries    int          `json:"entries"`
}

// Store persists discarded session transcripts as JSON files and keeps an
// in-memory cache for listing.
type Store struct {
	dir     string
	logger  *logging.Logger
	records sync.Map // id -> *Record
}

// NewStore creates the archive directory if needed and loads any existing
// records into the cache.
func NewStore(dir string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	s := &Store{dir: dir, logger: logger}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

// Archive stores the final state of a discarded session.
func (s *Store) Archive(snap agent.Snapshot) (*Record, error) {
	rec := &Record{
		ID:         id.NewHistoryID(),
		ArchivedAt: time.Now(),
		SessionID:  snap.Session.ID,
		Goal:       snap.Goal,
		Status:     snap.Status,
		Log:        snap.Log,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history record: %w", err)
	}
	if err := os.WriteFile(s.path(rec.ID), data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write history record: %w", err)
	}

	s.records.Store(rec.ID, rec)
	s.logger.Info("Session transcript archived",
		zap.String("record_id", rec.ID),
		zap.String("session_id", rec.SessionID),
		zap.Int("entries", len(rec.Log)),
	)
	return rec, nil
}

// List returns metadata for all archived records, newest first.
func (s *Store) List() []Metadata {
	var out []Metadata
	s.records.Range(func(_, value interface{}) bool {
		rec := value.(*Record)
		out = append(out, Metadata{
			ID:         rec.ID,
			ArchivedAt: rec.ArchivedAt,
			Goal:       rec.Goal,
			Status:     rec.Status,
			Entries:    len(rec.Log),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ArchivedAt.After(out[j].ArchivedAt)
	})
	return out
}

// Load returns a full record by id.
func (s *Store) Load(recordID string) (*Record, error) {
	if cached, ok := s.records.Load(recordID); ok {
		return cached.(*Record), nil
	}

	data, err := os.ReadFile(s.path(recordID))
	if err != nil {
		return nil, fmt.Errorf("failed to read history record %s: %w", recordID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse history record %s: %w", recordID, err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("history record %s has empty id", recordID)
	}

	s.records.Store(rec.ID, &rec)
	return &rec, nil
}

// Delete removes a record from disk and cache.
func (s *Store) Delete(recordID string) error {
	if err := os.Remove(s.path(recordID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete history record %s: %w", recordID, err)
	}
	s.records.Delete(recordID)
	return nil
}

func (s *Store) path(recordID string) string {
	return filepath.Join(s.dir, recordID+".json")
}

func (s *Store) loadExisting() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to scan history dir: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		recordID := strings.TrimSuffix(ent.Name(), ".json")
		if _, err := s.Load(recordID); err != nil {
			// Unreadable records are skipped, not fatal.
			s.logger.Warn("Skipping unreadable history record",
				zap.String("file", ent.Name()),
				zap.Error(err),
			)
		}
	}
	return nil
}
