package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentmesh/memcore-go/pkg/storage"
)

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMemory scans one memory row. A bad embedding payload is a scan error so
// callers can skip the record.
func scanMemory(row rowScanner) (*storage.MemoryRecord, error) {
	var rec storage.MemoryRecord
	var embeddingJSON string
	var archived int

	err := row.Scan(
		&rec.ID,
		&rec.Text,
		&rec.Category,
		&rec.Source,
		&rec.Hash,
		&embeddingJSON,
		&rec.Importance,
		&archived,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(embeddingJSON), &rec.Embedding); err != nil {
		return nil, fmt.Errorf("%w: memory %d embedding: %v", storage.ErrMalformedRecord, rec.ID, err)
	}
	rec.Archived = archived != 0

	return &rec, nil
}

// scanRelation scans one relation row.
func scanRelation(row rowScanner) (*storage.RelationRecord, error) {
	var rec storage.RelationRecord

	err := row.Scan(
		&rec.ID,
		&rec.Subject,
		&rec.Predicate,
		&rec.Object,
		&rec.Confidence,
		&rec.Source,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// scanEvent scans one event row.
func scanEvent(row rowScanner) (*storage.EventRecord, error) {
	var rec storage.EventRecord
	var metadataJSON string

	err := row.Scan(
		&rec.ID,
		&rec.Timestamp,
		&rec.Kind,
		&rec.ChannelKey,
		&rec.UserID,
		&rec.AgentID,
		&rec.Content,
		&metadataJSON,
		&rec.ParentID,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON != "" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("%w: event %d metadata: %v", storage.ErrMalformedRecord, rec.ID, err)
		}
	}

	return &rec, nil
}

// buildEventWhere builds a WHERE clause from an event filter.
func buildEventWhere(f *storage.EventFilter) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}

	if f.ChannelKey != "" {
		conditions = append(conditions, "channel_key = ?")
		args = append(args, f.ChannelKey)
	}
	if len(f.Kinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Kinds)), ",")
		conditions = append(conditions, "kind IN ("+placeholders+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if f.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, f.Since)
	}

	if len(conditions) == 0 {
		return "", args
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
