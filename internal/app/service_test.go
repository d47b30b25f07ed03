package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quillpad/api/internal/access"
	"quillpad/api/internal/authpw"
	"quillpad/api/internal/session"
	"quillpad/api/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mr := miniredis.RunT(t)
	sessions := session.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = sessions.Close() })

	cfg := Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		InviteTTL:  72 * time.Hour,
		AppBaseURL: "http://localhost:3000",
	}
	resolver := access.NewResolver(mem, []byte(cfg.JWTSecret), cfg.InviteTTL)
	svc := NewService(cfg, mem, sessions, authpw.NewService(mem), resolver)
	return svc, mem
}

func register(t *testing.T, svc *Service, username string) Session {
	t.Helper()
	sess, err := svc.Register(context.Background(), username, "correct horse")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return sess
}

func TestAuthFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess := register(t, svc, "alice")
	if sess.Token == "" || sess.RefreshToken == "" {
		t.Fatalf("session missing tokens: %+v", sess)
	}

	parsed, err := svc.SessionFromToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("parse session: %v", err)
	}
	if parsed.UserID != sess.UserID || parsed.Username != "alice" {
		t.Fatalf("parsed = %+v", parsed)
	}

	if _, err := svc.Register(ctx, "ALICE", "battery staple"); err == nil {
		t.Fatal("case-insensitive duplicate registration must fail")
	}

	logged, err := svc.Login(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if logged.UserID != sess.UserID {
		t.Fatal("login resolved a different user")
	}
	if _, err := svc.Login(ctx, "alice", "wrong"); err == nil {
		t.Fatal("wrong password must fail")
	}

	// Refresh rotates: the old token stops working.
	rotated, err := svc.Refresh(ctx, sess.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == sess.RefreshToken {
		t.Fatal("refresh must rotate the token")
	}
	if _, err := svc.Refresh(ctx, sess.RefreshToken); err == nil {
		t.Fatal("spent refresh token must be rejected")
	}

	if err := svc.Logout(ctx, rotated.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.Refresh(ctx, rotated.RefreshToken); err == nil {
		t.Fatal("refresh after logout must fail")
	}
}

func TestDocumentLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	alice := register(t, svc, "alice")
	bob := register(t, svc, "bob")

	created, err := svc.CreateDocument(ctx, alice, "  Plans  ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	docID := created["id"].(string)
	if created["title"] != "Plans" || created["role"] != "owner" {
		t.Fatalf("created = %v", created)
	}

	items, err := svc.ListDocuments(ctx, alice)
	if err != nil || len(items) != 1 {
		t.Fatalf("list = (%v, %v)", items, err)
	}
	if items, _ := svc.ListDocuments(ctx, bob); len(items) != 0 {
		t.Fatal("bob must not see alice's document")
	}

	if _, err := svc.GetDocument(ctx, bob, docID); err == nil {
		t.Fatal("stranger read must be forbidden")
	} else {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status != 403 || domainErr.Details == nil {
			t.Fatalf("denial should carry the resolution trace, got %v", err)
		}
	}

	if _, err := svc.UpdateTitle(ctx, alice, docID, "Roadmap"); err != nil {
		t.Fatalf("update title: %v", err)
	}
	got, err := svc.GetDocument(ctx, alice, docID)
	if err != nil || got["title"] != "Roadmap" {
		t.Fatalf("get after rename = (%v, %v)", got, err)
	}
	// Blank rename keeps the stored title.
	if _, err := svc.UpdateTitle(ctx, alice, docID, "   "); err != nil {
		t.Fatalf("blank rename: %v", err)
	}
	got, _ = svc.GetDocument(ctx, alice, docID)
	if got["title"] != "Roadmap" {
		t.Fatalf("title = %v, want Roadmap", got["title"])
	}

	if err := svc.DeleteDocument(ctx, bob, docID); err == nil {
		t.Fatal("non-owner delete must be forbidden")
	}
	if err := svc.DeleteDocument(ctx, alice, docID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetDocument(ctx, alice, docID); err == nil {
		t.Fatal("deleted document must be gone")
	}
}

func TestShareAndInvite(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	alice := register(t, svc, "alice")
	bob := register(t, svc, "bob")
	carol := register(t, svc, "carol")

	created, err := svc.CreateDocument(ctx, alice, "Shared")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	docID := created["id"].(string)

	if _, err := svc.Share(ctx, bob, docID, "carol", "editor"); !errors.Is(err, access.ErrForbidden) {
		t.Fatalf("non-owner share err = %v", err)
	}
	if _, err := svc.Share(ctx, alice, docID, "Bob", "editor"); err != nil {
		t.Fatalf("share: %v", err)
	}
	got, err := svc.GetDocument(ctx, bob, docID)
	if err != nil || got["role"] != "editor" {
		t.Fatalf("bob role = (%v, %v), want editor", got["role"], err)
	}

	info, err := svc.AccessInfo(ctx, bob, docID)
	if err != nil {
		t.Fatalf("access info: %v", err)
	}
	if info["role"] != "editor" || info["isOwner"] != false || info["title"] != "Shared" {
		t.Fatalf("access info = %v", info)
	}

	link, err := svc.InviteLink(ctx, alice, docID, "viewer", 0, "")
	if err != nil {
		t.Fatalf("invite link: %v", err)
	}
	accepted, err := svc.AcceptInvite(ctx, carol, link["token"].(string))
	if err != nil {
		t.Fatalf("accept invite: %v", err)
	}
	if accepted["documentId"] != docID || accepted["role"] != "viewer" {
		t.Fatalf("accepted = %v", accepted)
	}
	// Accepting twice is a no-op.
	if _, err := svc.AcceptInvite(ctx, carol, link["token"].(string)); err != nil {
		t.Fatalf("second accept: %v", err)
	}

	if _, err := svc.Unshare(ctx, alice, docID, bob.UserID); err != nil {
		t.Fatalf("unshare: %v", err)
	}
	doc, _ := mem.GetDocument(ctx, docID)
	if access.ResolveRole(doc, bob.UserID) != access.RoleNone {
		t.Fatal("bob should have no role after unshare")
	}
	if access.ResolveRole(doc, carol.UserID) != access.RoleViewer {
		t.Fatal("carol's invite grant must survive bob's unshare")
	}
}

func TestAccessInfoClaimsOrphan(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	bob := register(t, svc, "bob")

	if err := mem.InsertDocument(ctx, store.Document{ID: "doc-orphan", Title: "Old", Content: json.RawMessage(`{}`)}); err != nil {
		t.Fatal(err)
	}

	info, err := svc.AccessInfo(ctx, bob, "doc-orphan")
	if err != nil {
		t.Fatalf("access info: %v", err)
	}
	if info["role"] != "owner" || info["claimed"] != true {
		t.Fatalf("access info = %v, want claimed owner", info)
	}
	doc, _ := mem.GetDocument(ctx, "doc-orphan")
	if doc.Owner() != bob.UserID || !doc.MigrationClaimed {
		t.Fatalf("owner = %q migrated=%v", doc.Owner(), doc.MigrationClaimed)
	}
}

func TestVersionsAndRestore(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	alice := register(t, svc, "alice")
	carol := register(t, svc, "carol")

	created, err := svc.CreateDocument(ctx, alice, "Versioned")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	docID := created["id"].(string)
	if _, err := svc.Share(ctx, alice, docID, "carol", "viewer"); err != nil {
		t.Fatalf("share: %v", err)
	}

	for i, content := range []string{`{"ops":[1]}`, `{"ops":[2]}`} {
		v := store.Version{At: time.Now().Add(time.Duration(i) * time.Minute), Title: "Versioned", Content: json.RawMessage(content)}
		if err := mem.AppendVersion(ctx, docID, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := mem.UpdateDocumentContent(ctx, docID, json.RawMessage(`{"ops":[2]}`), time.Now()); err != nil {
		t.Fatal(err)
	}

	items, err := svc.ListVersions(ctx, alice, docID)
	if err != nil || len(items) != 2 {
		t.Fatalf("versions = (%v, %v)", items, err)
	}
	version, err := svc.GetVersion(ctx, alice, docID, 0)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if string(version["content"].(json.RawMessage)) != `{"ops":[1]}` {
		t.Fatalf("version content = %s", version["content"])
	}
	if _, err := svc.GetVersion(ctx, alice, docID, 99); err == nil {
		t.Fatal("out-of-range version must 404")
	}

	// Viewers can read history but not restore.
	if _, err := svc.ListVersions(ctx, carol, docID); err != nil {
		t.Fatalf("viewer list versions: %v", err)
	}
	if _, err := svc.RestoreVersion(ctx, carol, docID, 0); err == nil {
		t.Fatal("viewer restore must be forbidden")
	}

	restored, err := svc.RestoreVersion(ctx, alice, docID, 0)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if string(restored["content"].(json.RawMessage)) != `{"ops":[1]}` {
		t.Fatalf("restored content = %s", restored["content"])
	}
	// The restore is itself snapshotted.
	items, _ = svc.ListVersions(ctx, alice, docID)
	if len(items) != 3 {
		t.Fatalf("versions after restore = %d, want 3", len(items))
	}
}
