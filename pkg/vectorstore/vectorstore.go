// Package vectorstore stores embedding records and answers scoped
// similarity searches over them. A record belongs to a namespace derived
// from its owning scope: an assistant's knowledge base or a conversation's
// workspace. Records are written once when a data unit is ingested and
// removed only when that unit is deleted.
package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// DefaultLimit is the number of matches returned when the caller does not
// specify one.
const DefaultLimit = 5

// Record is one embedded text chunk belonging to a data unit.
type Record struct {
	// UnitID identifies the data unit (uploaded file or link) the chunk
	// came from.
	UnitID string `json:"unit_id"`

	// Content is the source text chunk.
	Content string `json:"content"`

	// Vector is the embedding of Content.
	Vector []float64 `json:"vector"`
}

// Match is a search hit: the chunk content and its cosine similarity to
// the query, in [-1, 1].
type Match struct {
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Store persists embedding records under namespaces and searches them.
type Store interface {
	// Put stores the records of one data unit under a namespace,
	// replacing any previous records for that unit.
	Put(ctx context.Context, namespace, unitID string, records []Record) error

	// DeleteUnit removes all records of a data unit from a namespace.
	DeleteUnit(ctx context.Context, namespace, unitID string) error

	// Search gathers every record under the given namespaces, ranks them
	// by cosine similarity to the query vector and returns the top
	// matches, most similar first. A limit <= 0 means DefaultLimit.
	Search(ctx context.Context, namespaces []string, query []float64, limit int) ([]Match, error)

	// Close releases any resources held by the store.
	Close() error
}

// AssistantNamespace returns the namespace key for an assistant's
// knowledge base.
func AssistantNamespace(assistantID string) string {
	return "assistant:" + assistantID
}

// WorkspaceNamespace returns the namespace key for a workspace's attached
// files.
func WorkspaceNamespace(workspaceID string) string {
	return "workspace:" + workspaceID
}

// CosineSimilarity computes the cosine of the angle between two vectors:
// dot product over the product of magnitudes. Mismatched lengths are
// compared over the shorter length (defensive, not a normal case), and a
// zero-magnitude vector yields 0 rather than dividing by zero.
func CosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}

	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}

	if magA == 0 || magB == 0 {
		return 0
	}

	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// RankRecords scores records against a query vector and returns the top
// matches sorted by similarity descending. Shared by store
// implementations that gather candidates first and rank in-process.
func RankRecords(query []float64, records []Record, limit int) []Match {
	if limit <= 0 {
		limit = DefaultLimit
	}

	matches := make([]Match, 0, len(records))
	for _, rec := range records {
		matches = append(matches, Match{
			Content:    rec.Content,
			Similarity: CosineSimilarity(query, rec.Vector),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}

	return matches
}

// ValidateRecord checks a record before storage.
func ValidateRecord(rec *Record) error {
	if rec.UnitID == "" {
		return fmt.Errorf("record unit ID cannot be empty")
	}
	if rec.Content == "" {
		return fmt.Errorf("record content cannot be empty")
	}
	if len(rec.Vector) == 0 {
		return fmt.Errorf("record vector cannot be empty")
	}
	for i, v := range rec.Vector {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("record vector contains invalid value at index %d", i)
		}
	}
	return nil
}
