package access

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quillpad/api/internal/auth"
	"quillpad/api/internal/store"
)

var (
	ErrForbidden     = errors.New("access: forbidden")
	ErrNotFound      = errors.New("access: not found")
	ErrInvalidInvite = errors.New("access: invalid invite")
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleNone   Role = "none"
)

// Normalize clamps an arbitrary requested role to one that can be granted.
// Anything that is not "editor" becomes "viewer"; ownership is never grantable.
func Normalize(role string) Role {
	if Role(role) == RoleEditor {
		return RoleEditor
	}
	return RoleViewer
}

// CanWrite reports whether the role permits mutating document content.
func CanWrite(role Role) bool {
	return role == RoleOwner || role == RoleEditor
}

type dataStore interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	FindUserByUsername(ctx context.Context, username string) (store.User, error)
	FindUserByUsernameFold(ctx context.Context, username string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GrantRole(ctx context.Context, documentID, userID, role string, mirrorCollaborator bool) error
	RevokeRole(ctx context.Context, documentID, userID string) error
	ClaimOwner(ctx context.Context, documentID, userID string, viaMigration bool) (bool, error)
	LatestVersion(ctx context.Context, documentID string) (*store.Version, error)
}

// Resolver answers "what may this user do to this document", covering the
// explicit role map, the legacy collaborator and shared-with lists, and the
// ownerless documents left behind by the pre-roles data model.
type Resolver struct {
	store     dataStore
	jwtSecret []byte
	inviteTTL time.Duration
}

func NewResolver(dataStore dataStore, jwtSecret []byte, inviteTTL time.Duration) *Resolver {
	return &Resolver{store: dataStore, jwtSecret: jwtSecret, inviteTTL: inviteTTL}
}

// ResolveRole computes the effective role without touching storage. Precedence:
// owner, then the role map, then legacy collaborators (editor), then legacy
// shared-with (viewer).
func ResolveRole(doc store.Document, userID string) Role {
	if doc.OwnerID != nil && *doc.OwnerID == userID {
		return RoleOwner
	}
	if role, ok := doc.RoleMap[userID]; ok {
		return Normalize(role)
	}
	for _, id := range doc.Collaborators {
		if id == userID {
			return RoleEditor
		}
	}
	for _, id := range doc.SharedWith {
		if id == userID {
			return RoleViewer
		}
	}
	return RoleNone
}

// Explain resolves the role and records each step taken, for the denial trace
// returned alongside 403 responses.
func Explain(doc store.Document, userID string) (Role, []string) {
	trace := make([]string, 0, 4)
	if doc.OwnerID == nil {
		trace = append(trace, "document has no owner")
	} else if *doc.OwnerID == userID {
		return RoleOwner, append(trace, "user is owner")
	} else {
		trace = append(trace, fmt.Sprintf("owner is %s", *doc.OwnerID))
	}
	if role, ok := doc.RoleMap[userID]; ok {
		return Normalize(role), append(trace, fmt.Sprintf("role map entry %q", role))
	}
	trace = append(trace, "no role map entry")
	for _, id := range doc.Collaborators {
		if id == userID {
			return RoleEditor, append(trace, "listed in legacy collaborators")
		}
	}
	trace = append(trace, "not in legacy collaborators")
	for _, id := range doc.SharedWith {
		if id == userID {
			return RoleViewer, append(trace, "listed in legacy shared-with")
		}
	}
	trace = append(trace, "not in legacy shared-with")
	return RoleNone, trace
}

// AuthorizeWrite decides whether userID may mutate the document and performs
// the ownership claim when the document is ownerless. For a document that was
// ownerless at entry the write is always admitted, even if a concurrent claim
// lands first; exactly one such writer observes claimed=true.
func (r *Resolver) AuthorizeWrite(ctx context.Context, doc store.Document, userID string) (role Role, claimed bool, err error) {
	if doc.OwnerID == nil {
		won, err := r.store.ClaimOwner(ctx, doc.ID, userID, true)
		if err != nil {
			return RoleNone, false, err
		}
		if won {
			return RoleOwner, true, nil
		}
		current, err := r.store.GetDocument(ctx, doc.ID)
		if err != nil {
			return RoleNone, false, err
		}
		return ResolveRole(current, userID), false, nil
	}
	role = ResolveRole(doc, userID)
	if !CanWrite(role) {
		return role, false, ErrForbidden
	}
	return role, false, nil
}

// ClaimIfOrphanBlank adopts a truly orphan document for the user opening it:
// ownerless, blank content, no version history, and never shared with anyone.
// Returns whether this call won the claim.
func (r *Resolver) ClaimIfOrphanBlank(ctx context.Context, doc store.Document, userID string) (bool, error) {
	if doc.OwnerID != nil || !blankContent(doc.Content) {
		return false, nil
	}
	if len(doc.Collaborators) > 0 || len(doc.SharedWith) > 0 || len(doc.RoleMap) > 0 {
		return false, nil
	}
	latest, err := r.store.LatestVersion(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	if latest != nil {
		return false, nil
	}
	return r.store.ClaimOwner(ctx, doc.ID, userID, true)
}

func blankContent(content json.RawMessage) bool {
	trimmed := bytes.TrimSpace(content)
	return len(trimmed) == 0 ||
		bytes.Equal(trimmed, []byte("{}")) ||
		bytes.Equal(trimmed, []byte("null"))
}

// Share grants targetUsername a role on the document. Only the owner may
// share; granting to the owner is a no-op. Editor grants are mirrored into the
// legacy collaborators list so pre-roles readers keep working.
func (r *Resolver) Share(ctx context.Context, actorID, documentID, targetUsername, role string) error {
	doc, err := r.getDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Owner() != actorID {
		return ErrForbidden
	}
	target, err := r.findUser(ctx, targetUsername)
	if err != nil {
		return err
	}
	if target.ID == doc.Owner() {
		return nil
	}
	granted := Normalize(role)
	return r.store.GrantRole(ctx, documentID, target.ID, string(granted), granted == RoleEditor)
}

// Unshare removes every access path for targetID: the role map entry and both
// legacy lists.
func (r *Resolver) Unshare(ctx context.Context, actorID, documentID, targetID string) error {
	doc, err := r.getDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Owner() != actorID {
		return ErrForbidden
	}
	if targetID == doc.Owner() {
		return nil
	}
	return r.store.RevokeRole(ctx, documentID, targetID)
}

// IssueInvite mints a signed invite link token for the document. Owner only.
func (r *Resolver) IssueInvite(ctx context.Context, actorID, documentID, role string, ttl time.Duration) (string, error) {
	doc, err := r.getDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.Owner() != actorID {
		return "", ErrForbidden
	}
	if ttl <= 0 {
		ttl = r.inviteTTL
	}
	token, err := auth.IssueInviteToken(r.jwtSecret, auth.InviteClaims{
		DocumentID: documentID,
		Role:       string(Normalize(role)),
		Exp:        time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("issue invite: %w", err)
	}
	return token, nil
}

// RedeemInvite applies an invite link token for userID. Redeeming is
// idempotent: applying the same token twice, or redeeming as the owner,
// changes nothing.
func (r *Resolver) RedeemInvite(ctx context.Context, userID, token string) (string, Role, error) {
	claims, err := auth.ParseInviteToken(r.jwtSecret, token)
	if err != nil {
		return "", RoleNone, ErrInvalidInvite
	}
	doc, err := r.getDocument(ctx, claims.DocumentID)
	if err != nil {
		return "", RoleNone, err
	}
	if doc.Owner() == userID {
		return doc.ID, RoleOwner, nil
	}
	granted := Normalize(claims.Role)
	if existing, ok := doc.RoleMap[userID]; ok && Normalize(existing) == granted {
		return doc.ID, granted, nil
	}
	if err := r.store.GrantRole(ctx, doc.ID, userID, string(granted), granted == RoleEditor); err != nil {
		return "", RoleNone, err
	}
	return doc.ID, granted, nil
}

func (r *Resolver) getDocument(ctx context.Context, documentID string) (store.Document, error) {
	doc, err := r.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, ErrNotFound
	}
	if err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

func (r *Resolver) findUser(ctx context.Context, username string) (store.User, error) {
	user, err := r.store.FindUserByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, err
	}
	user, err = r.store.FindUserByUsernameFold(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrNotFound
	}
	if err != nil {
		return store.User{}, err
	}
	return user, nil
}
