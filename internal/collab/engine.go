package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"quillpad/api/internal/access"
	"quillpad/api/internal/identity"
	"quillpad/api/internal/store"
	"quillpad/api/internal/util"
)

const (
	// Typing indicators expire on their own when the client stops sending
	// typing events.
	typingExpiry = 3 * time.Second

	// Minimum age of the newest snapshot before an autosave produces
	// another one. Manual saves always snapshot.
	autosaveSnapshotGap = 2 * time.Minute

	defaultTitle = "Untitled Document"
)

type engineStore interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	InsertDocument(ctx context.Context, doc store.Document) error
	UpdateDocumentContent(ctx context.Context, documentID string, content json.RawMessage, lastModified time.Time) error
	UpdateDocumentTitle(ctx context.Context, documentID, title string, lastModified time.Time) error
	AppendVersion(ctx context.Context, documentID string, v store.Version) error
	LatestVersion(ctx context.Context, documentID string) (*store.Version, error)
}

type tokenVerifier interface {
	Verify(ctx context.Context, token string) (identity.Principal, error)
}

// archiver copies a snapshot to long-term storage. Optional; a nil archiver
// disables archiving.
type archiver interface {
	ArchiveSnapshot(ctx context.Context, documentID string, at time.Time, title string, content json.RawMessage) error
}

// indexer keeps the search index in step with title changes. Optional.
type indexer interface {
	IndexDocument(ctx context.Context, doc store.Document)
}

// Engine implements the socket protocol: authentication, room membership,
// delta and cursor relay, typing indicators, saves and title updates. It is
// transport-agnostic; the websocket layer feeds it envelopes.
type Engine struct {
	store    engineStore
	access   *access.Resolver
	verifier tokenVerifier
	registry *Registry
	archive  archiver
	index    indexer
	now      func() time.Time
	typing   time.Duration
}

func NewEngine(engineStore engineStore, resolver *access.Resolver, verifier tokenVerifier, registry *Registry) *Engine {
	return &Engine{
		store:    engineStore,
		access:   resolver,
		verifier: verifier,
		registry: registry,
		now:      time.Now,
		typing:   typingExpiry,
	}
}

// WithArchive enables snapshot archiving on manual saves.
func (e *Engine) WithArchive(a archiver) *Engine {
	e.archive = a
	return e
}

// WithIndexer enables search index updates on title changes.
func (e *Engine) WithIndexer(ix indexer) *Engine {
	e.index = ix
	return e
}

// Session is the per-connection state. All handler calls for one session come
// from that connection's read loop, one at a time; the mutex only guards the
// typing timer, which fires from its own goroutine.
type Session struct {
	connID string
	out    sender

	principal  *identity.Principal
	documentID string
	role       access.Role

	mu          sync.Mutex
	typingTimer *time.Timer
}

// NewSession creates a session for a connection. out must not block.
func (e *Engine) NewSession(out sender) *Session {
	return &Session{connID: util.NewConnectionID(), out: out}
}

func (s *Session) ConnID() string { return s.connID }

// HandleMessage dispatches one inbound envelope. Every event except
// authenticate requires a verified identity.
func (e *Engine) HandleMessage(ctx context.Context, s *Session, env Envelope) {
	if env.Event == EventAuthenticate {
		e.handleAuthenticate(ctx, s, env.Data)
		return
	}
	if s.principal == nil {
		s.out.Send(Envelope{Event: EventAuthenticationRequired})
		return
	}
	switch env.Event {
	case EventGetDocument:
		e.handleGetDocument(ctx, s, env.Data)
	case EventSendChanges:
		e.handleSendChanges(ctx, s, env.Data)
	case EventCursorChange:
		e.handleCursorChange(s, env.Data)
	case EventTyping:
		e.handleTyping(s, env.Data)
	case EventSaveDocument:
		e.handleSaveDocument(ctx, s, env.Data)
	case EventUpdateTitle:
		e.handleUpdateTitle(ctx, s, env.Data)
	}
}

func (e *Engine) handleAuthenticate(ctx context.Context, s *Session, data json.RawMessage) {
	token := decodeString(data, "token")
	if token == "" {
		s.out.Send(Envelope{Event: EventAuthenticationFailed})
		return
	}
	principal, err := e.verifier.Verify(ctx, token)
	if err != nil {
		s.out.Send(Envelope{Event: EventAuthenticationFailed})
		return
	}
	s.principal = &principal
	s.out.Send(Envelope{Event: EventAuthenticationSuccess})
}

func (e *Engine) handleGetDocument(ctx context.Context, s *Session, data json.RawMessage) {
	documentID := decodeString(data, "documentId")
	if documentID == "" {
		s.out.Send(mustEnvelope(EventLoadError, messagePayload{Message: "Failed to load document"}))
		return
	}

	doc, err := e.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		doc, err = e.createDocument(ctx, documentID, s.principal.UserID)
	}
	if err != nil {
		log.Printf("collab: get document %s: %v", documentID, err)
		s.out.Send(mustEnvelope(EventLoadError, messagePayload{Message: "Failed to load document"}))
		return
	}

	claimed, err := e.access.ClaimIfOrphanBlank(ctx, doc, s.principal.UserID)
	if err != nil {
		log.Printf("collab: claim %s: %v", doc.ID, err)
	}
	if claimed {
		doc, err = e.store.GetDocument(ctx, doc.ID)
		if err != nil {
			s.out.Send(mustEnvelope(EventLoadError, messagePayload{Message: "Failed to load document"}))
			return
		}
	}

	role := access.ResolveRole(doc, s.principal.UserID)
	if role == access.RoleNone {
		if doc.OwnerID != nil {
			s.out.Send(mustEnvelope(EventAccessDenied, messagePayload{Message: "You do not have access to this document"}))
			return
		}
		// Ownerless documents are open to any authenticated user until
		// someone claims them.
		role = access.RoleEditor
	}

	content := doc.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	s.out.Send(Envelope{Event: EventLoadDocument, Data: content})

	member := Member{ConnID: s.connID, UserID: s.principal.UserID, Username: s.principal.Username}
	var members []Member
	if s.documentID == "" || s.documentID == doc.ID {
		members = e.registry.Join(doc.ID, member, s.out)
	} else {
		// One registry step: the connection is never present in both rooms.
		departed, remaining, left, joined := e.registry.Switch(s.documentID, doc.ID, member, s.out)
		if left && len(remaining) > 0 {
			e.registry.Broadcast(s.documentID, "", mustEnvelope(EventUsersUpdate, remaining))
			e.registry.Broadcast(s.documentID, "", mustEnvelope(EventUserLeft, userRef{
				ID:       departed.UserID,
				Username: departed.Username,
			}))
		}
		members = joined
	}
	s.documentID = doc.ID
	s.role = role

	e.registry.Broadcast(doc.ID, "", mustEnvelope(EventUsersUpdate, members))
	e.registry.Broadcast(doc.ID, s.connID, mustEnvelope(EventUserJoined, userRef{
		ID:       s.principal.UserID,
		Username: s.principal.Username,
	}))
}

func (e *Engine) createDocument(ctx context.Context, documentID, ownerID string) (store.Document, error) {
	doc := store.Document{
		ID:      documentID,
		Title:   defaultTitle,
		Content: json.RawMessage(`{}`),
		OwnerID: &ownerID,
	}
	if err := e.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}
	// Re-read: a concurrent open may have created it first.
	return e.store.GetDocument(ctx, doc.ID)
}

// handleSendChanges relays a delta to room peers. The sender's role is
// resolved against the stored document on every delta, so a grant revoked
// mid-session stops the relay immediately. Deltas from read-only sessions are
// dropped without a reply; the relay never persists content.
func (e *Engine) handleSendChanges(ctx context.Context, s *Session, delta json.RawMessage) {
	if s.documentID == "" || len(delta) == 0 {
		return
	}
	doc, err := e.store.GetDocument(ctx, s.documentID)
	if err != nil {
		log.Printf("collab: relay %s: %v", s.documentID, err)
		return
	}
	role := access.ResolveRole(doc, s.principal.UserID)
	if role == access.RoleNone && doc.OwnerID == nil {
		// Ownerless documents relay for any authenticated participant until
		// a save claims them.
		role = access.RoleEditor
	}
	s.role = role
	if !access.CanWrite(role) {
		return
	}
	e.registry.Broadcast(s.documentID, s.connID, mustEnvelope(EventReceiveChanges, receiveChangesPayload{
		Delta: delta,
		User:  userRef{ID: s.principal.UserID, Username: s.principal.Username},
	}))
}

func (e *Engine) handleCursorChange(s *Session, cursorRange json.RawMessage) {
	if s.documentID == "" || len(cursorRange) == 0 {
		return
	}
	e.registry.Broadcast(s.documentID, s.connID, mustEnvelope(EventCursorUpdate, cursorUpdatePayload{
		User:  userRef{ID: s.principal.UserID, Username: s.principal.Username},
		Range: cursorRange,
	}))
}

func (e *Engine) handleTyping(s *Session, data json.RawMessage) {
	if s.documentID == "" {
		return
	}
	var isTyping bool
	if err := json.Unmarshal(data, &isTyping); err != nil {
		isTyping = true
	}

	// Capture room and identity now: the expiry must announce the stop in
	// the room where typing started, even if the session moves on.
	documentID := s.documentID
	connID := s.connID
	user := userRef{ID: s.principal.UserID, Username: s.principal.Username}

	e.registry.Broadcast(documentID, connID, mustEnvelope(EventUserTyping, typingStatusPayload{
		User:     user,
		IsTyping: isTyping,
	}))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if isTyping {
		s.typingTimer = time.AfterFunc(e.typing, func() {
			e.registry.Broadcast(documentID, connID, mustEnvelope(EventUserTyping, typingStatusPayload{
				User:     user,
				IsTyping: false,
			}))
		})
	}
}

func (e *Engine) handleSaveDocument(ctx context.Context, s *Session, data json.RawMessage) {
	if s.documentID == "" {
		// Authenticated but no document open yet.
		s.out.Send(mustEnvelope(EventSaveError, "No document loaded"))
		return
	}
	var payload saveDocumentPayload
	if err := json.Unmarshal(data, &payload); err != nil || len(payload.Data) == 0 {
		// Bare content form: the whole data field is the document state.
		payload = saveDocumentPayload{Data: data}
	}
	if len(payload.Data) == 0 {
		payload.Data = json.RawMessage(`{}`)
	}

	doc, err := e.store.GetDocument(ctx, s.documentID)
	if err != nil {
		s.out.Send(mustEnvelope(EventSaveError, "Failed to load document"))
		return
	}
	role, _, err := e.access.AuthorizeWrite(ctx, doc, s.principal.UserID)
	if errors.Is(err, access.ErrForbidden) {
		s.out.Send(mustEnvelope(EventSaveError, "Access denied: You do not have permission to edit this document"))
		return
	}
	if err != nil {
		log.Printf("collab: authorize save %s: %v", doc.ID, err)
		s.out.Send(mustEnvelope(EventSaveError, "Failed to save document"))
		return
	}
	s.role = role

	now := e.now()
	// Last write wins. Concurrent saves do not merge; the relay keeps live
	// editors converged and snapshots cover recovery.
	if err := e.store.UpdateDocumentContent(ctx, doc.ID, payload.Data, now); err != nil {
		log.Printf("collab: save %s: %v", doc.ID, err)
		s.out.Send(mustEnvelope(EventSaveError, "Failed to save document"))
		return
	}

	if _, err := e.maybeSnapshot(ctx, doc, payload, now); err != nil {
		log.Printf("collab: snapshot %s: %v", doc.ID, err)
	}

	s.out.Send(Envelope{Event: EventSaveSuccess})
}

func (e *Engine) maybeSnapshot(ctx context.Context, doc store.Document, payload saveDocumentPayload, now time.Time) (bool, error) {
	if !payload.Manual {
		latest, err := e.store.LatestVersion(ctx, doc.ID)
		if err != nil {
			return false, err
		}
		if latest != nil && now.Sub(latest.At) < autosaveSnapshotGap {
			return false, nil
		}
	}
	v := store.Version{At: now, Title: doc.Title, Content: payload.Data}
	if err := e.store.AppendVersion(ctx, doc.ID, v); err != nil {
		return false, err
	}
	if payload.Manual && e.archive != nil {
		if err := e.archive.ArchiveSnapshot(ctx, doc.ID, now, doc.Title, payload.Data); err != nil {
			log.Printf("collab: archive %s: %v", doc.ID, err)
		}
	}
	return true, nil
}

func (e *Engine) handleUpdateTitle(ctx context.Context, s *Session, data json.RawMessage) {
	if s.documentID == "" {
		return
	}
	title := strings.TrimSpace(decodeString(data, "title"))
	if title == "" {
		// An empty title keeps the current one.
		return
	}

	doc, err := e.store.GetDocument(ctx, s.documentID)
	if err != nil {
		return
	}
	role, _, err := e.access.AuthorizeWrite(ctx, doc, s.principal.UserID)
	if err != nil {
		return
	}
	s.role = role

	if err := e.store.UpdateDocumentTitle(ctx, doc.ID, title, e.now()); err != nil {
		log.Printf("collab: update title %s: %v", doc.ID, err)
		return
	}

	// Title changes go to everyone in the room, the sender included, so all
	// tabs converge on the stored value.
	e.registry.Broadcast(s.documentID, "", mustEnvelope(EventTitleUpdated, title))

	if e.index != nil {
		if updated, err := e.store.GetDocument(ctx, doc.ID); err == nil {
			e.index.IndexDocument(ctx, updated)
		}
	}
}

// Disconnect tears the session down: the typing timer stops and the room is
// left before this returns, so presence never lags the connection.
func (e *Engine) Disconnect(s *Session) {
	s.mu.Lock()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()
	e.leaveRoom(s)
}

func (e *Engine) leaveRoom(s *Session) {
	if s.documentID == "" {
		return
	}
	member, remaining, ok := e.registry.Leave(s.documentID, s.connID)
	if ok && len(remaining) > 0 {
		e.registry.Broadcast(s.documentID, "", mustEnvelope(EventUsersUpdate, remaining))
		e.registry.Broadcast(s.documentID, "", mustEnvelope(EventUserLeft, userRef{
			ID:       member.UserID,
			Username: member.Username,
		}))
	}
	s.documentID = ""
	s.role = access.RoleNone
}
