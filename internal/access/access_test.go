package access

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"quillpad/api/internal/auth"
	"quillpad/api/internal/store"
)

var testSecret = []byte("test-secret")

func newResolver(t *testing.T) (*Resolver, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewResolver(mem, testSecret, 72*time.Hour), mem
}

func seedDocument(t *testing.T, mem *store.Memory, doc store.Document) {
	t.Helper()
	if err := mem.InsertDocument(context.Background(), doc); err != nil {
		t.Fatalf("seed document: %v", err)
	}
}

func seedUser(t *testing.T, mem *store.Memory, id, username string) {
	t.Helper()
	if err := mem.CreateUser(context.Background(), store.User{ID: id, Username: username}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func ownedBy(userID string) *string {
	return &userID
}

func TestResolveRolePrecedence(t *testing.T) {
	doc := store.Document{
		ID:            "doc-1",
		OwnerID:       ownedBy("u-owner"),
		RoleMap:       map[string]string{"u-mapped": "viewer"},
		Collaborators: []string{"u-mapped", "u-collab"},
		SharedWith:    []string{"u-mapped", "u-collab", "u-shared"},
	}

	if got := ResolveRole(doc, "u-owner"); got != RoleOwner {
		t.Fatalf("owner role = %q, want owner", got)
	}
	// The role map wins over the legacy lists even when they disagree.
	if got := ResolveRole(doc, "u-mapped"); got != RoleViewer {
		t.Fatalf("mapped role = %q, want viewer", got)
	}
	if got := ResolveRole(doc, "u-collab"); got != RoleEditor {
		t.Fatalf("collaborator role = %q, want editor", got)
	}
	if got := ResolveRole(doc, "u-shared"); got != RoleViewer {
		t.Fatalf("shared role = %q, want viewer", got)
	}
	if got := ResolveRole(doc, "u-stranger"); got != RoleNone {
		t.Fatalf("stranger role = %q, want none", got)
	}
}

func TestNormalizeClampsUnknownRoles(t *testing.T) {
	for _, role := range []string{"owner", "admin", "", "VIEWER"} {
		if got := Normalize(role); got != RoleViewer {
			t.Fatalf("Normalize(%q) = %q, want viewer", role, got)
		}
	}
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("Normalize(editor) = %q, want editor", got)
	}
}

func TestExplainRecordsDenialTrace(t *testing.T) {
	doc := store.Document{ID: "doc-1", OwnerID: ownedBy("u-owner")}
	role, trace := Explain(doc, "u-stranger")
	if role != RoleNone {
		t.Fatalf("role = %q, want none", role)
	}
	if len(trace) != 4 {
		t.Fatalf("trace has %d steps, want 4: %v", len(trace), trace)
	}
}

func TestAuthorizeWriteClaimsOwnerlessDocument(t *testing.T) {
	resolver, mem := newResolver(t)
	ctx := context.Background()
	seedDocument(t, mem, store.Document{ID: "doc-1", Content: json.RawMessage(`{"ops":[]}`)})

	doc, err := mem.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}

	role, claimed, err := resolver.AuthorizeWrite(ctx, doc, "u-first")
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	if role != RoleOwner || !claimed {
		t.Fatalf("first write = (%q, %v), want (owner, true)", role, claimed)
	}

	// A racing writer saw the same ownerless snapshot. It loses the claim but
	// the write is still admitted.
	_, claimed, err = resolver.AuthorizeWrite(ctx, doc, "u-second")
	if err != nil {
		t.Fatalf("racing write: %v", err)
	}
	if claimed {
		t.Fatal("racing writer should not win the claim")
	}

	stored, err := mem.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if stored.Owner() != "u-first" || !stored.MigrationClaimed {
		t.Fatalf("owner = %q migrated=%v, want u-first via migration", stored.Owner(), stored.MigrationClaimed)
	}
}

func TestAuthorizeWriteForbidsViewer(t *testing.T) {
	resolver, mem := newResolver(t)
	ctx := context.Background()
	seedDocument(t, mem, store.Document{
		ID:      "doc-1",
		OwnerID: ownedBy("u-owner"),
		RoleMap: map[string]string{"u-viewer": "viewer"},
	})
	doc, _ := mem.GetDocument(ctx, "doc-1")

	if _, _, err := resolver.AuthorizeWrite(ctx, doc, "u-viewer"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("viewer write err = %v, want ErrForbidden", err)
	}
	if _, _, err := resolver.AuthorizeWrite(ctx, doc, "u-owner"); err != nil {
		t.Fatalf("owner write err = %v", err)
	}
}

func TestClaimIfOrphanBlank(t *testing.T) {
	resolver, mem := newResolver(t)
	ctx := context.Background()
	seedDocument(t, mem, store.Document{ID: "doc-blank", Content: json.RawMessage(`{}`)})
	seedDocument(t, mem, store.Document{ID: "doc-full", Content: json.RawMessage(`{"ops":[{"insert":"hi"}]}`)})

	blank, _ := mem.GetDocument(ctx, "doc-blank")
	claimed, err := resolver.ClaimIfOrphanBlank(ctx, blank, "u-1")
	if err != nil || !claimed {
		t.Fatalf("blank claim = (%v, %v), want (true, nil)", claimed, err)
	}

	full, _ := mem.GetDocument(ctx, "doc-full")
	claimed, err = resolver.ClaimIfOrphanBlank(ctx, full, "u-1")
	if err != nil || claimed {
		t.Fatalf("non-blank claim = (%v, %v), want (false, nil)", claimed, err)
	}

	// A blank ownerless document that was shared, or that has history, is not
	// an orphan.
	seedDocument(t, mem, store.Document{ID: "doc-shared", Content: json.RawMessage(`{}`), SharedWith: []string{"u-2"}})
	shared, _ := mem.GetDocument(ctx, "doc-shared")
	if claimed, _ = resolver.ClaimIfOrphanBlank(ctx, shared, "u-1"); claimed {
		t.Fatal("shared document must not be auto-claimed")
	}

	seedDocument(t, mem, store.Document{ID: "doc-history", Content: json.RawMessage(`{}`)})
	if err := mem.AppendVersion(ctx, "doc-history", store.Version{At: time.Now(), Content: json.RawMessage(`{"ops":[]}`)}); err != nil {
		t.Fatal(err)
	}
	withHistory, _ := mem.GetDocument(ctx, "doc-history")
	if claimed, _ = resolver.ClaimIfOrphanBlank(ctx, withHistory, "u-1"); claimed {
		t.Fatal("document with version history must not be auto-claimed")
	}
}

func TestShare(t *testing.T) {
	resolver, mem := newResolver(t)
	ctx := context.Background()
	seedUser(t, mem, "u-owner", "owner")
	seedUser(t, mem, "u-target", "Target")
	seedDocument(t, mem, store.Document{ID: "doc-1", OwnerID: ownedBy("u-owner")})

	if err := resolver.Share(ctx, "u-target", "doc-1", "owner", "editor"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-owner share err = %v, want ErrForbidden", err)
	}
	if err := resolver.Share(ctx, "u-owner", "doc-1", "ghost", "editor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing target err = %v, want ErrNotFound", err)
	}
	if err := resolver.Share(ctx, "u-owner", "doc-missing", "Target", "editor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing document err = %v, want ErrNotFound", err)
	}
	// Sharing with the owner is a no-op, not an error.
	if err := resolver.Share(ctx, "u-owner", "doc-1", "owner", "editor"); err != nil {
		t.Fatalf("share with owner: %v", err)
	}

	// Case-folded username lookup, editor mirrored into the legacy list.
	if err := resolver.Share(ctx, "u-owner", "doc-1", "target", "editor"); err != nil {
		t.Fatalf("share: %v", err)
	}
	doc, _ := mem.GetDocument(ctx, "doc-1")
	if doc.RoleMap["u-target"] != "editor" {
		t.Fatalf("role map = %v, want editor for u-target", doc.RoleMap)
	}
	if ResolveRole(doc, "u-target") != RoleEditor {
		t.Fatal("target should resolve as editor")
	}
	if len(doc.Collaborators) != 1 || doc.Collaborators[0] != "u-target" {
		t.Fatalf("collaborators = %v, want mirrored u-target", doc.Collaborators)
	}

	// An unknown role clamps to viewer and is not mirrored.
	seedUser(t, mem, "u-other", "other")
	if err := resolver.Share(ctx, "u-owner", "doc-1", "other", "admin"); err != nil {
		t.Fatalf("share: %v", err)
	}
	doc, _ = mem.GetDocument(ctx, "doc-1")
	if doc.RoleMap["u-other"] != "viewer" {
		t.Fatalf("role map = %v, want viewer for u-other", doc.RoleMap)
	}
	if len(doc.Collaborators) != 1 {
		t.Fatalf("collaborators = %v, viewer must not be mirrored", doc.Collaborators)
	}
}

func TestUnshareRemovesAllAccessPaths(t *testing.T) {
	resolver, mem := newResolver(t)
	ctx := context.Background()
	seedDocument(t, mem, store.Document{
		ID:            "doc-1",
		OwnerID:       ownedBy("u-owner"),
		RoleMap:       map[string]string{"u-target": "editor"},
		Collaborators: []string{"u-target"},
		SharedWith:    []string{"u-target"},
	})

	if err := resolver.Unshare(ctx, "u-target", "doc-1", "u-target"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-owner unshare err = %v, want ErrForbidden", err)
	}
	if err := resolver.Unshare(ctx, "u-owner", "doc-1", "u-target"); err != nil {
		t.Fatalf("unshare: %v", err)
	}
	doc, _ := mem.GetDocument(ctx, "doc-1")
	if ResolveRole(doc, "u-target") != RoleNone {
		t.Fatalf("target still resolves a role after unshare: %+v", doc)
	}
}

func TestInviteLifecycle(t *testing.T) {
	resolver, mem := newResolver(t)
	ctx := context.Background()
	seedDocument(t, mem, store.Document{ID: "doc-1", OwnerID: ownedBy("u-owner")})

	if _, err := resolver.IssueInvite(ctx, "u-other", "doc-1", "editor", 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-owner invite err = %v, want ErrForbidden", err)
	}

	token, err := resolver.IssueInvite(ctx, "u-owner", "doc-1", "editor", 0)
	if err != nil {
		t.Fatalf("issue invite: %v", err)
	}

	docID, role, err := resolver.RedeemInvite(ctx, "u-guest", token)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if docID != "doc-1" || role != RoleEditor {
		t.Fatalf("redeem = (%q, %q), want (doc-1, editor)", docID, role)
	}

	// Redeeming again is a no-op, as is the owner redeeming their own link.
	if _, _, err := resolver.RedeemInvite(ctx, "u-guest", token); err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if _, role, err := resolver.RedeemInvite(ctx, "u-owner", token); err != nil || role != RoleOwner {
		t.Fatalf("owner redeem = (%q, %v), want (owner, nil)", role, err)
	}

	doc, _ := mem.GetDocument(ctx, "doc-1")
	if doc.RoleMap["u-guest"] != "editor" || len(doc.Collaborators) != 1 {
		t.Fatalf("grant not applied: %+v", doc)
	}

	if _, _, err := resolver.RedeemInvite(ctx, "u-guest", "not-a-token"); !errors.Is(err, ErrInvalidInvite) {
		t.Fatalf("garbage token err = %v, want ErrInvalidInvite", err)
	}

	// Expired links grant nothing.
	expired, err := auth.IssueInviteToken(testSecret, auth.InviteClaims{
		DocumentID: "doc-1",
		Role:       "editor",
		Exp:        time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue expired invite: %v", err)
	}
	if _, _, err := resolver.RedeemInvite(ctx, "u-late", expired); !errors.Is(err, ErrInvalidInvite) {
		t.Fatalf("expired token err = %v, want ErrInvalidInvite", err)
	}
	doc, _ = mem.GetDocument(ctx, "doc-1")
	if _, ok := doc.RoleMap["u-late"]; ok {
		t.Fatal("expired invite must not grant a role")
	}
}
