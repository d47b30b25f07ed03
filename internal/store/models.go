package store

import (
	"encoding/json"
	"time"
)

// MaxVersions bounds the per-document snapshot history; the oldest entry is
// evicted first once the cap is reached.
const MaxVersions = 50

type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Document content is an opaque delta-document payload; the server stores and
// serves it without interpreting it.
type Document struct {
	ID               string
	Title            string
	Content          json.RawMessage
	OwnerID          *string
	Collaborators    []string
	SharedWith       []string
	RoleMap          map[string]string
	MigrationClaimed bool
	LastModified     time.Time
	CreatedAt        time.Time
}

// Owner returns the owner user id, or "" for an ownerless legacy document.
func (d Document) Owner() string {
	if d.OwnerID == nil {
		return ""
	}
	return *d.OwnerID
}

// Version is one bounded history snapshot. Index is the position in the
// current list (0 = oldest surviving entry), not a stable identifier.
type Version struct {
	Index   int
	At      time.Time
	Title   string
	Content json.RawMessage
}
