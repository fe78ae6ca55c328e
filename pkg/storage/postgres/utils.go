package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/agentmesh/memcore-go/pkg/storage"
)

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*storage.MemoryRecord, error) {
	var rec storage.MemoryRecord
	var embeddingJSON []byte

	err := row.Scan(
		&rec.ID,
		&rec.Text,
		&rec.Category,
		&rec.Source,
		&rec.Hash,
		&embeddingJSON,
		&rec.Importance,
		&rec.Archived,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(embeddingJSON, &rec.Embedding); err != nil {
		return nil, fmt.Errorf("%w: memory %d embedding: %v", storage.ErrMalformedRecord, rec.ID, err)
	}

	return &rec, nil
}

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

func scanEvent(row rowScanner) (*storage.EventRecord, error) {
	var rec storage.EventRecord
	var metadataJSON []byte

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

	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("%w: event %d metadata: %v", storage.ErrMalformedRecord, rec.ID, err)
		}
	}

	return &rec, nil
}
