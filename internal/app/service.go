package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"quillpad/api/internal/access"
	"quillpad/api/internal/auth"
	"quillpad/api/internal/authpw"
	"quillpad/api/internal/search"
	"quillpad/api/internal/session"
	"quillpad/api/internal/store"
	"quillpad/api/internal/util"
)

// Config carries the service-level settings.
type Config struct {
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	InviteTTL  time.Duration
	AppBaseURL string
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	FindUserByUsername(ctx context.Context, username string) (store.User, error)
	FindUserByUsernameFold(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error

	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	InsertDocument(ctx context.Context, doc store.Document) error
	DeleteDocument(ctx context.Context, documentID string) error
	ListDocumentsForUser(ctx context.Context, userID string) ([]store.Document, error)
	UpdateDocumentTitle(ctx context.Context, documentID, title string, lastModified time.Time) error
	UpdateDocumentContent(ctx context.Context, documentID string, content json.RawMessage, lastModified time.Time) error
	GrantRole(ctx context.Context, documentID, userID, role string, mirrorCollaborator bool) error
	RevokeRole(ctx context.Context, documentID, userID string) error
	ClaimOwner(ctx context.Context, documentID, userID string, viaMigration bool) (bool, error)

	ListVersions(ctx context.Context, documentID string) ([]store.Version, error)
	GetVersionAt(ctx context.Context, documentID string, position int) (store.Version, error)
	AppendVersion(ctx context.Context, documentID string, v store.Version) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID, username string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (session.TokenData, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type searcher interface {
	Search(ctx context.Context, userID, q string, limit int) ([]search.Result, error)
	IndexDocument(ctx context.Context, doc store.Document)
	RemoveDocument(ctx context.Context, documentID string)
}

type inviteMailer interface {
	IsConfigured() bool
	SendInviteEmail(to, inviterName, documentTitle, role, inviteURL string) error
}

// Service implements the REST operations on top of the store, the access
// resolver and the auth components.
type Service struct {
	cfg       Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	access    *access.Resolver
	search    searcher
	mailer    inviteMailer
}

func NewService(cfg Config, dataStore dataStore, sessions sessionStore, passwords *authpw.Service, resolver *access.Resolver) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: passwords,
		access:    resolver,
	}
}

// WithSearch wires title search. Optional.
func (s *Service) WithSearch(searcher searcher) *Service {
	s.search = searcher
	return s
}

// WithMailer wires invite emails. Optional.
func (s *Service) WithMailer(m inviteMailer) *Service {
	s.mailer = m
	return s
}

// Session is an authenticated caller.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	JTI          string
	ExpiresAt    time.Time
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- auth ---

func (s *Service) Register(ctx context.Context, username, password string) (Session, error) {
	user, err := s.passwords.Register(ctx, username, password)
	if errors.Is(err, authpw.ErrUsernameTaken) {
		return Session{}, domainError(http.StatusConflict, "USERNAME_TAKEN", "Username already registered", nil)
	}
	if err != nil {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.passwords.Login(ctx, username, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, data.UserID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, user.Username, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Username:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// --- documents ---

func (s *Service) CreateDocument(ctx context.Context, caller Session, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled Document"
	}
	doc := store.Document{
		ID:      util.NewDocumentID(),
		Title:   title,
		Content: json.RawMessage(`{}`),
		OwnerID: &caller.UserID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	stored, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexDocument(ctx, stored)
	}
	return documentPayload(stored, access.RoleOwner), nil
}

func (s *Service) ListDocuments(ctx context.Context, caller Session) ([]map[string]any, error) {
	documents, err := s.store.ListDocumentsForUser(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(documents))
	for _, doc := range documents {
		items = append(items, map[string]any{
			"id":           doc.ID,
			"title":        doc.Title,
			"role":         string(access.ResolveRole(doc, caller.UserID)),
			"owner":        nilIfEmpty(doc.Owner()),
			"lastModified": doc.LastModified.UnixMilli(),
		})
	}
	return items, nil
}

func (s *Service) SearchDocuments(ctx context.Context, caller Session, q string, limit int) ([]search.Result, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	return s.search.Search(ctx, caller.UserID, q, limit)
}

func (s *Service) GetDocument(ctx context.Context, caller Session, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	role, trace := access.Explain(doc, caller.UserID)
	if role == access.RoleNone {
		if doc.OwnerID == nil {
			role = access.RoleEditor
		} else {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "No access to this document", map[string]any{"trace": trace})
		}
	}
	return documentPayload(doc, role), nil
}

func (s *Service) DeleteDocument(ctx context.Context, caller Session, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Owner() != caller.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can delete a document", nil)
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.RemoveDocument(ctx, documentID)
	}
	return nil
}

func (s *Service) UpdateTitle(ctx context.Context, caller Session, documentID, title string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	role, _, err := s.access.AuthorizeWrite(ctx, doc, caller.UserID)
	if errors.Is(err, access.ErrForbidden) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Read-only access", nil)
	}
	if err != nil {
		return nil, err
	}
	if title == "" {
		// Blank titles keep the stored value.
		return documentPayload(doc, role), nil
	}
	if err := s.store.UpdateDocumentTitle(ctx, documentID, title, time.Now()); err != nil {
		return nil, err
	}
	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexDocument(ctx, updated)
	}
	return documentPayload(updated, role), nil
}

// AccessInfo reports the caller's effective role. A role of none on a truly
// orphan document claims it for the caller; none on anything else is a 403
// carrying the role-computation trace for debugging.
func (s *Service) AccessInfo(ctx context.Context, caller Session, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	role, trace := access.Explain(doc, caller.UserID)
	if role == access.RoleNone {
		claimed, err := s.access.ClaimIfOrphanBlank(ctx, doc, caller.UserID)
		if err != nil {
			return nil, err
		}
		if claimed {
			return map[string]any{
				"id":      doc.ID,
				"title":   doc.Title,
				"owner":   caller.UserID,
				"isOwner": true,
				"role":    string(access.RoleOwner),
				"claimed": true,
			}, nil
		}
		if doc.OwnerID != nil {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Access denied", map[string]any{
				"documentId":   doc.ID,
				"owner":        nilIfEmpty(doc.Owner()),
				"requester":    caller.UserID,
				"roleComputed": string(role),
				"trace":        trace,
			})
		}
		// Ownerless but not orphan: open for editing until someone claims it
		// with a write.
		role = access.RoleEditor
	}
	return map[string]any{
		"id":      doc.ID,
		"title":   doc.Title,
		"owner":   nilIfEmpty(doc.Owner()),
		"isOwner": role == access.RoleOwner,
		"role":    string(role),
	}, nil
}

// --- sharing ---

func (s *Service) Share(ctx context.Context, caller Session, documentID, username, role string) (map[string]any, error) {
	if strings.TrimSpace(username) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
	}
	if err := s.access.Share(ctx, caller.UserID, documentID, username, role); err != nil {
		return nil, err
	}
	return s.reindexed(ctx, caller, documentID)
}

func (s *Service) Unshare(ctx context.Context, caller Session, documentID, targetUserID string) (map[string]any, error) {
	if err := s.access.Unshare(ctx, caller.UserID, documentID, targetUserID); err != nil {
		return nil, err
	}
	return s.reindexed(ctx, caller, documentID)
}

func (s *Service) reindexed(ctx context.Context, caller Session, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexDocument(ctx, doc)
	}
	return documentPayload(doc, access.ResolveRole(doc, caller.UserID)), nil
}

// InviteLink mints a shareable invite URL, optionally emailing it.
func (s *Service) InviteLink(ctx context.Context, caller Session, documentID, role string, ttlSeconds int, emailTo string) (map[string]any, error) {
	ttl := s.cfg.InviteTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	token, err := s.access.IssueInvite(ctx, caller.UserID, documentID, role, ttl)
	if err != nil {
		return nil, err
	}
	inviteURL := fmt.Sprintf("%s/invite/%s", strings.TrimRight(s.cfg.AppBaseURL, "/"), token)

	if emailTo != "" && s.mailer != nil && s.mailer.IsConfigured() {
		doc, err := s.store.GetDocument(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if err := s.mailer.SendInviteEmail(emailTo, caller.Username, doc.Title, string(access.Normalize(role)), inviteURL); err != nil {
			// The link is still valid; the caller can deliver it themselves.
			log.Printf("app: send invite email: %v", err)
		}
	}

	return map[string]any{
		"token":     token,
		"url":       inviteURL,
		"role":      string(access.Normalize(role)),
		"expiresAt": time.Now().Add(ttl).Unix(),
	}, nil
}

func (s *Service) AcceptInvite(ctx context.Context, caller Session, token string) (map[string]any, error) {
	if strings.TrimSpace(token) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required", nil)
	}
	documentID, role, err := s.access.RedeemInvite(ctx, caller.UserID, token)
	if err != nil {
		return nil, err
	}
	if s.search != nil {
		if doc, err := s.store.GetDocument(ctx, documentID); err == nil {
			s.search.IndexDocument(ctx, doc)
		}
	}
	return map[string]any{
		"documentId": documentID,
		"role":       string(role),
	}, nil
}

// --- versions ---

func (s *Service) ListVersions(ctx context.Context, caller Session, documentID string) ([]map[string]any, error) {
	if _, err := s.readableDocument(ctx, caller, documentID); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		items = append(items, map[string]any{
			"index": v.Index,
			"at":    v.At.UnixMilli(),
			"title": v.Title,
		})
	}
	return items, nil
}

func (s *Service) GetVersion(ctx context.Context, caller Session, documentID string, index int) (map[string]any, error) {
	if _, err := s.readableDocument(ctx, caller, documentID); err != nil {
		return nil, err
	}
	v, err := s.store.GetVersionAt(ctx, documentID, index)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"index":   v.Index,
		"at":      v.At.UnixMilli(),
		"title":   v.Title,
		"content": v.Content,
	}, nil
}

// RestoreVersion copies a snapshot back over the live content. The restore
// itself is recorded as a fresh snapshot, so history never loses the state it
// replaced.
func (s *Service) RestoreVersion(ctx context.Context, caller Session, documentID string, index int) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	role, _, err := s.access.AuthorizeWrite(ctx, doc, caller.UserID)
	if errors.Is(err, access.ErrForbidden) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Read-only access", nil)
	}
	if err != nil {
		return nil, err
	}

	v, err := s.store.GetVersionAt(ctx, documentID, index)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := s.store.UpdateDocumentContent(ctx, documentID, v.Content, now); err != nil {
		return nil, err
	}
	if err := s.store.AppendVersion(ctx, documentID, store.Version{At: now, Title: doc.Title, Content: v.Content}); err != nil {
		return nil, err
	}

	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return documentPayload(updated, role), nil
}

// --- helpers ---

func (s *Service) readableDocument(ctx context.Context, caller Session, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	role := access.ResolveRole(doc, caller.UserID)
	if role == access.RoleNone && doc.OwnerID != nil {
		return store.Document{}, domainError(http.StatusForbidden, "FORBIDDEN", "No access to this document", nil)
	}
	return doc, nil
}

func documentPayload(doc store.Document, role access.Role) map[string]any {
	return map[string]any{
		"id":               doc.ID,
		"title":            doc.Title,
		"content":          doc.Content,
		"owner":            nilIfEmpty(doc.Owner()),
		"role":             string(role),
		"collaborators":    doc.Collaborators,
		"sharedWith":       doc.SharedWith,
		"roleMap":          doc.RoleMap,
		"migrationClaimed": doc.MigrationClaimed,
		"lastModified":     doc.LastModified.UnixMilli(),
		"createdAt":        doc.CreatedAt.UnixMilli(),
	}
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
