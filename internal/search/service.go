package search

import (
	"context"
	"log"

	"quillpad/api/internal/store"
)

type fallbackStore interface {
	SearchDocumentsForUser(ctx context.Context, userID, query string) ([]store.Document, error)
}

// Service fronts Meilisearch and falls back to a Postgres ILIKE scan while
// Meilisearch is down or not configured.
type Service struct {
	meili    *Meili
	fallback fallbackStore
}

// NewService builds the search facade. meili may be nil.
func NewService(meili *Meili, fallback fallbackStore) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search finds documents visible to userID whose titles match q.
func (s *Service) Search(ctx context.Context, userID, q string, limit int) ([]Result, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(userID, q, limit)
		if err == nil {
			return results, nil
		}
		log.Printf("search: meilisearch query failed, using fallback: %v", err)
	}

	docs, err := s.fallback.SearchDocumentsForUser(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	results := make([]Result, 0, len(docs))
	for _, doc := range docs {
		results = append(results, Result{
			ID:           doc.ID,
			Title:        doc.Title,
			LastModified: doc.LastModified.UnixMilli(),
		})
	}
	return results, nil
}

// IndexDocument updates the index entry for a document. Failures are logged,
// never surfaced; the fallback keeps search working.
func (s *Service) IndexDocument(ctx context.Context, doc store.Document) {
	if s.meili == nil {
		return
	}
	if err := s.meili.IndexDocument(RecordFromDocument(doc)); err != nil {
		log.Printf("search: index document %s: %v", doc.ID, err)
	}
}

// RemoveDocument drops a document from the index.
func (s *Service) RemoveDocument(ctx context.Context, documentID string) {
	if s.meili == nil {
		return
	}
	if err := s.meili.DeleteDocument(documentID); err != nil {
		log.Printf("search: remove document %s: %v", documentID, err)
	}
}

// Backfill bulk-indexes existing documents at startup.
func (s *Service) Backfill(ctx context.Context, docs []store.Document) {
	if s.meili == nil || len(docs) == 0 {
		return
	}
	records := make([]DocumentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, RecordFromDocument(doc))
	}
	if err := s.meili.IndexDocuments(records); err != nil {
		log.Printf("search: backfill %d documents: %v", len(records), err)
	}
}
