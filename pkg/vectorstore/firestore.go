package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const defaultCollection = "embeddings"

func init() {
	Register("firestore", func(ctx context.Context, cfg Config) (Store, error) {
		return NewFirestoreStore(ctx, cfg)
	})
}

// FirestoreStore persists embedding records in Google Cloud Firestore.
// Each data unit maps to one document holding all of its chunk records,
// indexed by namespace. Similarity ranking happens in-process after the
// scoped fetch, the same brute-force pass the memory store uses.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

type unitDocument struct {
	Namespace string       `firestore:"namespace"`
	UnitID    string       `firestore:"unit_id"`
	Records   []unitRecord `firestore:"records"`
}

type unitRecord struct {
	Content string    `firestore:"content"`
	Vector  []float64 `firestore:"vector"`
}

// NewFirestoreStore connects to Firestore using the configured project and
// optional credentials file (Application Default Credentials otherwise).
func NewFirestoreStore(ctx context.Context, cfg Config) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestore project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = defaultCollection
	}

	return &FirestoreStore{client: client, collection: collection}, nil
}

// docID derives a stable document ID from the namespace and unit ID.
// Hashing keeps IDs within Firestore's character and length constraints.
func docID(namespace, unitID string) string {
	sum := sha256.Sum256([]byte(namespace + "\x00" + unitID))
	return hex.EncodeToString(sum[:])
}

// Put stores the records of one data unit, replacing any previous document
// for that unit.
func (f *FirestoreStore) Put(ctx context.Context, namespace, unitID string, records []Record) error {
	for i := range records {
		if err := ValidateRecord(&records[i]); err != nil {
			return fmt.Errorf("invalid record at index %d: %w", i, err)
		}
	}

	doc := unitDocument{
		Namespace: namespace,
		UnitID:    unitID,
		Records:   make([]unitRecord, len(records)),
	}
	for i, rec := range records {
		doc.Records[i] = unitRecord{Content: rec.Content, Vector: rec.Vector}
	}

	_, err := f.client.Collection(f.collection).Doc(docID(namespace, unitID)).Set(ctx, doc)
	if err != nil {
		return fmt.Errorf("store unit %s: %w", unitID, err)
	}
	return nil
}

// DeleteUnit removes the document for a data unit.
func (f *FirestoreStore) DeleteUnit(ctx context.Context, namespace, unitID string) error {
	_, err := f.client.Collection(f.collection).Doc(docID(namespace, unitID)).Delete(ctx)
	if err != nil {
		return fmt.Errorf("delete unit %s: %w", unitID, err)
	}
	return nil
}

// Search fetches every record under the given namespaces and ranks them
// against the query vector.
func (f *FirestoreStore) Search(ctx context.Context, namespaces []string, query []float64, limit int) ([]Match, error) {
	var candidates []Record

	for _, namespace := range namespaces {
		iter := f.client.Collection(f.collection).
			Where("namespace", "==", namespace).
			Documents(ctx)

		for {
			snap, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return nil, fmt.Errorf("query namespace %s: %w", namespace, err)
			}

			var doc unitDocument
			if err := snap.DataTo(&doc); err != nil {
				iter.Stop()
				return nil, fmt.Errorf("decode unit document: %w", err)
			}

			for _, rec := range doc.Records {
				candidates = append(candidates, Record{
					UnitID:  doc.UnitID,
					Content: rec.Content,
					Vector:  rec.Vector,
				})
			}
		}
		iter.Stop()
	}

	return RankRecords(query, candidates, limit), nil
}

// Close releases the Firestore client.
func (f *FirestoreStore) Close() error {
	return f.client.Close()
}
