package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash)
		VALUES ($1, $2, $3)
	`, user.ID, user.Username, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) FindUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM users WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// FindUserByUsernameFold resolves legacy records that differ only in casing or
// surrounding whitespace from the presented username.
func (s *PostgresStore) FindUserByUsernameFold(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE LOWER(TRIM(username)) = LOWER(TRIM($1))
		ORDER BY (username = $1) DESC, created_at ASC
		LIMIT 1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2 WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// --- documents ---

const documentColumns = `id, title, content, owner_id, collaborators, shared_with, role_map, migration_claimed, last_modified, created_at`

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE id=$1
	`, documentID)
	return scanDocument(row)
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	content := doc.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	collaborators, sharedWith, roleMap, err := marshalAccessFields(doc)
	if err != nil {
		return err
	}
	var owner any
	if doc.OwnerID != nil {
		owner = *doc.OwnerID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, owner_id, collaborators, shared_with, role_map, migration_claimed, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO NOTHING
	`, doc.ID, doc.Title, []byte(content), owner, collaborators, sharedWith, roleMap, doc.MigrationClaimed)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM document_versions WHERE document_id=$1`, documentID); err != nil {
		return fmt.Errorf("delete versions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE owner_id = $1
			OR shared_with @> jsonb_build_array($1::text)
			OR collaborators @> jsonb_build_array($1::text)
			OR role_map ? $1
		ORDER BY last_modified DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return collectDocuments(rows)
}

// ListAllDocuments is used to rebuild the search index at startup.
func (s *PostgresStore) ListAllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		ORDER BY last_modified DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list all documents: %w", err)
	}
	return collectDocuments(rows)
}

// SearchDocumentsForUser is the fallback title search used when Meilisearch is
// not configured or unhealthy.
func (s *PostgresStore) SearchDocumentsForUser(ctx context.Context, userID, query string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE (owner_id = $1
			OR shared_with @> jsonb_build_array($1::text)
			OR collaborators @> jsonb_build_array($1::text)
			OR role_map ? $1)
			AND title ILIKE '%' || $2 || '%'
		ORDER BY last_modified DESC
	`, userID, query)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	return collectDocuments(rows)
}

func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, documentID string, content json.RawMessage, lastModified time.Time) error {
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET content=$2, last_modified=$3 WHERE id=$1
	`, documentID, []byte(content), lastModified)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocumentTitle(ctx context.Context, documentID, title string, lastModified time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title=$2, last_modified=$3 WHERE id=$1
	`, documentID, title, lastModified)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	return nil
}

// ClaimOwner performs the ownerless -> owned transition. The WHERE clause makes
// the claim atomic: under concurrent first-writers exactly one succeeds.
func (s *PostgresStore) ClaimOwner(ctx context.Context, documentID, userID string, viaMigration bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET owner_id=$2, migration_claimed = migration_claimed OR $3
		WHERE id=$1 AND owner_id IS NULL
	`, documentID, userID, viaMigration)
	if err != nil {
		return false, fmt.Errorf("claim owner: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim owner result: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GrantRole(ctx context.Context, documentID, userID, role string, mirrorCollaborator bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			role_map = role_map || jsonb_build_object($2::text, $3::text),
			shared_with = CASE
				WHEN shared_with @> jsonb_build_array($2::text) THEN shared_with
				ELSE shared_with || jsonb_build_array($2::text)
			END,
			collaborators = CASE
				WHEN $4::bool AND NOT (collaborators @> jsonb_build_array($2::text)) THEN collaborators || jsonb_build_array($2::text)
				ELSE collaborators
			END
		WHERE id=$1
	`, documentID, userID, role, mirrorCollaborator)
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRole(ctx context.Context, documentID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET
			role_map = role_map - $2,
			shared_with = (
				SELECT COALESCE(jsonb_agg(elem), '[]'::jsonb)
				FROM jsonb_array_elements_text(shared_with) elem
				WHERE elem <> $2
			),
			collaborators = (
				SELECT COALESCE(jsonb_agg(elem), '[]'::jsonb)
				FROM jsonb_array_elements_text(collaborators) elem
				WHERE elem <> $2
			)
		WHERE id=$1
	`, documentID, userID)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// --- versions ---

func (s *PostgresStore) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, title, content FROM document_versions
		WHERE document_id=$1 ORDER BY idx ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := make([]Version, 0)
	for rows.Next() {
		var v Version
		var content []byte
		if err := rows.Scan(&v.At, &v.Title, &content); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Index = len(versions)
		v.Content = json.RawMessage(content)
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

// GetVersionAt returns the snapshot at the given position in the current
// list, 0 being the oldest surviving entry. sql.ErrNoRows when out of range.
func (s *PostgresStore) GetVersionAt(ctx context.Context, documentID string, position int) (Version, error) {
	if position < 0 {
		return Version{}, sql.ErrNoRows
	}
	var v Version
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT at, title, content FROM document_versions
		WHERE document_id=$1 ORDER BY idx ASC OFFSET $2 LIMIT 1
	`, documentID, position).Scan(&v.At, &v.Title, &content)
	if err != nil {
		return Version{}, err
	}
	v.Index = position
	v.Content = json.RawMessage(content)
	return v, nil
}

// LatestVersion returns the most recent snapshot, or nil when none exists.
func (s *PostgresStore) LatestVersion(ctx context.Context, documentID string) (*Version, error) {
	var v Version
	var content []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT at, title, content FROM document_versions
		WHERE document_id=$1 ORDER BY idx DESC LIMIT 1
	`, documentID).Scan(&v.At, &v.Title, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	v.Content = json.RawMessage(content)
	return &v, nil
}

// AppendVersion appends a snapshot and trims the history to MaxVersions,
// dropping oldest entries first.
func (s *PostgresStore) AppendVersion(ctx context.Context, documentID string, v Version) error {
	content := v.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin version tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_versions (document_id, idx, at, title, content)
		VALUES ($1, (SELECT COALESCE(MAX(idx), -1) + 1 FROM document_versions WHERE document_id=$1), $2, $3, $4)
	`, documentID, v.At, v.Title, []byte(content)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM document_versions
		WHERE document_id=$1
			AND idx <= (SELECT MAX(idx) FROM document_versions WHERE document_id=$1) - $2
	`, documentID, MaxVersions); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("trim versions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit version tx: %w", err)
	}
	return nil
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var content, collaborators, sharedWith, roleMap []byte
	var owner sql.NullString
	err := row.Scan(&doc.ID, &doc.Title, &content, &owner, &collaborators, &sharedWith, &roleMap, &doc.MigrationClaimed, &doc.LastModified, &doc.CreatedAt)
	if err != nil {
		return Document{}, err
	}
	if owner.Valid {
		doc.OwnerID = &owner.String
	}
	doc.Content = json.RawMessage(content)
	if err := json.Unmarshal(collaborators, &doc.Collaborators); err != nil {
		return Document{}, fmt.Errorf("decode collaborators: %w", err)
	}
	if err := json.Unmarshal(sharedWith, &doc.SharedWith); err != nil {
		return Document{}, fmt.Errorf("decode shared_with: %w", err)
	}
	if err := json.Unmarshal(roleMap, &doc.RoleMap); err != nil {
		return Document{}, fmt.Errorf("decode role_map: %w", err)
	}
	return doc, nil
}

func collectDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()
	documents := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}

func marshalAccessFields(doc Document) (collaborators, sharedWith, roleMap []byte, err error) {
	collaborators, err = json.Marshal(emptyIfNil(doc.Collaborators))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode collaborators: %w", err)
	}
	sharedWith, err = json.Marshal(emptyIfNil(doc.SharedWith))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode shared_with: %w", err)
	}
	if doc.RoleMap == nil {
		roleMap = []byte(`{}`)
	} else if roleMap, err = json.Marshal(doc.RoleMap); err != nil {
		return nil, nil, nil, fmt.Errorf("encode role_map: %w", err)
	}
	return collaborators, sharedWith, roleMap, nil
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
