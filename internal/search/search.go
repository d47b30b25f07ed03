// Package search provides title search over documents, backed by Meilisearch
// with a Postgres fallback.
package search

import (
	"sort"

	"quillpad/api/internal/store"
)

// DocumentRecord is the indexed shape of a document. visibleTo carries every
// user ID with any access path so queries can filter server-side.
type DocumentRecord struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	OwnerID      string   `json:"ownerId,omitempty"`
	VisibleTo    []string `json:"visibleTo"`
	LastModified int64    `json:"lastModified"`
}

// Result is one search hit.
type Result struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	LastModified int64  `json:"lastModified,omitempty"`
}

// RecordFromDocument flattens a document's access paths into an indexable
// record.
func RecordFromDocument(doc store.Document) DocumentRecord {
	seen := make(map[string]struct{})
	visible := make([]string, 0, 4)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		visible = append(visible, id)
	}
	add(doc.Owner())
	for id := range doc.RoleMap {
		add(id)
	}
	for _, id := range doc.Collaborators {
		add(id)
	}
	for _, id := range doc.SharedWith {
		add(id)
	}
	sort.Strings(visible)

	return DocumentRecord{
		ID:           doc.ID,
		Title:        doc.Title,
		OwnerID:      doc.Owner(),
		VisibleTo:    visible,
		LastModified: doc.LastModified.UnixMilli(),
	}
}
