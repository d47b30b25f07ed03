package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store implementation used in tests. It mirrors the
// semantics of PostgresStore, including the atomic ownerless claim and the
// MaxVersions trim.
type Memory struct {
	mu       sync.Mutex
	users    map[string]User
	docs     map[string]Document
	versions map[string][]Version
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]User),
		docs:     make(map[string]Document),
		versions: make(map[string][]Version),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// --- users ---

func (m *Memory) CreateUser(ctx context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	m.users[user.ID] = user
	return nil
}

func (m *Memory) GetUserByID(ctx context.Context, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *Memory) FindUserByUsername(ctx context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return User{}, sql.ErrNoRows
}

func (m *Memory) FindUserByUsernameFold(ctx context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := strings.ToLower(strings.TrimSpace(username))
	var match *User
	for _, user := range m.users {
		if strings.ToLower(strings.TrimSpace(user.Username)) != want {
			continue
		}
		u := user
		if u.Username == username {
			return u, nil
		}
		if match == nil || u.CreatedAt.Before(match.CreatedAt) {
			match = &u
		}
	}
	if match == nil {
		return User{}, sql.ErrNoRows
	}
	return *match, nil
}

func (m *Memory) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

// --- documents ---

func (m *Memory) GetDocument(ctx context.Context, documentID string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return Document{}, sql.ErrNoRows
	}
	return copyDocument(doc), nil
}

func (m *Memory) InsertDocument(ctx context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; exists {
		return nil
	}
	if len(doc.Content) == 0 {
		doc.Content = json.RawMessage(`{}`)
	}
	if doc.LastModified.IsZero() {
		doc.LastModified = time.Now()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	m.docs[doc.ID] = copyDocument(doc)
	return nil
}

func (m *Memory) DeleteDocument(ctx context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, documentID)
	delete(m.versions, documentID)
	return nil
}

func (m *Memory) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	documents := make([]Document, 0)
	for _, doc := range m.docs {
		if documentVisibleTo(doc, userID) {
			documents = append(documents, copyDocument(doc))
		}
	}
	sort.Slice(documents, func(i, j int) bool {
		return documents[i].LastModified.After(documents[j].LastModified)
	})
	return documents, nil
}

func (m *Memory) ListAllDocuments(ctx context.Context) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	documents := make([]Document, 0, len(m.docs))
	for _, doc := range m.docs {
		documents = append(documents, copyDocument(doc))
	}
	sort.Slice(documents, func(i, j int) bool {
		return documents[i].LastModified.After(documents[j].LastModified)
	})
	return documents, nil
}

func (m *Memory) SearchDocumentsForUser(ctx context.Context, userID, query string) ([]Document, error) {
	documents, err := m.ListDocumentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(query)
	matched := make([]Document, 0)
	for _, doc := range documents {
		if strings.Contains(strings.ToLower(doc.Title), want) {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

func (m *Memory) UpdateDocumentContent(ctx context.Context, documentID string, content json.RawMessage, lastModified time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	doc.Content = append(json.RawMessage(nil), content...)
	doc.LastModified = lastModified
	m.docs[documentID] = doc
	return nil
}

func (m *Memory) UpdateDocumentTitle(ctx context.Context, documentID, title string, lastModified time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Title = title
	doc.LastModified = lastModified
	m.docs[documentID] = doc
	return nil
}

func (m *Memory) ClaimOwner(ctx context.Context, documentID, userID string, viaMigration bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok || doc.OwnerID != nil {
		return false, nil
	}
	owner := userID
	doc.OwnerID = &owner
	doc.MigrationClaimed = doc.MigrationClaimed || viaMigration
	m.docs[documentID] = doc
	return true, nil
}

func (m *Memory) GrantRole(ctx context.Context, documentID, userID, role string, mirrorCollaborator bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	if doc.RoleMap == nil {
		doc.RoleMap = make(map[string]string)
	}
	doc.RoleMap[userID] = role
	if !containsString(doc.SharedWith, userID) {
		doc.SharedWith = append(doc.SharedWith, userID)
	}
	if mirrorCollaborator && !containsString(doc.Collaborators, userID) {
		doc.Collaborators = append(doc.Collaborators, userID)
	}
	m.docs[documentID] = doc
	return nil
}

func (m *Memory) RevokeRole(ctx context.Context, documentID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	delete(doc.RoleMap, userID)
	doc.SharedWith = removeString(doc.SharedWith, userID)
	doc.Collaborators = removeString(doc.Collaborators, userID)
	m.docs[documentID] = doc
	return nil
}

// --- versions ---

func (m *Memory) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.versions[documentID]
	versions := make([]Version, len(history))
	for i, v := range history {
		v.Index = i
		v.Content = append(json.RawMessage(nil), v.Content...)
		versions[i] = v
	}
	return versions, nil
}

func (m *Memory) GetVersionAt(ctx context.Context, documentID string, position int) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.versions[documentID]
	if position < 0 || position >= len(history) {
		return Version{}, sql.ErrNoRows
	}
	v := history[position]
	v.Index = position
	v.Content = append(json.RawMessage(nil), v.Content...)
	return v, nil
}

func (m *Memory) LatestVersion(ctx context.Context, documentID string) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.versions[documentID]
	if len(history) == 0 {
		return nil, nil
	}
	v := history[len(history)-1]
	v.Content = append(json.RawMessage(nil), v.Content...)
	return &v, nil
}

func (m *Memory) AppendVersion(ctx context.Context, documentID string, v Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(v.Content) == 0 {
		v.Content = json.RawMessage(`{}`)
	}
	v.Content = append(json.RawMessage(nil), v.Content...)
	history := append(m.versions[documentID], v)
	if len(history) > MaxVersions {
		history = history[len(history)-MaxVersions:]
	}
	m.versions[documentID] = history
	return nil
}

// --- helpers ---

func documentVisibleTo(doc Document, userID string) bool {
	if doc.OwnerID != nil && *doc.OwnerID == userID {
		return true
	}
	if containsString(doc.SharedWith, userID) || containsString(doc.Collaborators, userID) {
		return true
	}
	_, ok := doc.RoleMap[userID]
	return ok
}

func copyDocument(doc Document) Document {
	doc.Content = append(json.RawMessage(nil), doc.Content...)
	doc.Collaborators = append([]string(nil), doc.Collaborators...)
	doc.SharedWith = append([]string(nil), doc.SharedWith...)
	if doc.RoleMap != nil {
		roleMap := make(map[string]string, len(doc.RoleMap))
		for k, v := range doc.RoleMap {
			roleMap[k] = v
		}
		doc.RoleMap = roleMap
	}
	return doc
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func removeString(values []string, drop string) []string {
	out := values[:0]
	for _, v := range values {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
