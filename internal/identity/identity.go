package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"quillpad/api/internal/auth"
	"quillpad/api/internal/store"
	"quillpad/api/internal/util"
)

// Principal is a verified connection identity.
type Principal struct {
	UserID   string
	Username string
}

var ErrUnverified = errors.New("identity: token not verified")

// Verifier checks a presented credential. ok=false with a nil error means the
// credential is not of this verifier's kind; the chain moves on.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, bool, error)
}

// Chain tries verifiers in order and returns the first accepted principal.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (Principal, error) {
	for _, v := range c {
		principal, ok, err := v.Verify(ctx, token)
		if err != nil {
			return Principal{}, err
		}
		if ok {
			return principal, nil
		}
	}
	return Principal{}, ErrUnverified
}

// LocalVerifier accepts tokens minted by this service.
type LocalVerifier struct {
	Secret []byte
}

func (v LocalVerifier) Verify(ctx context.Context, token string) (Principal, bool, error) {
	claims, err := auth.ParseToken(v.Secret, token)
	if err != nil {
		return Principal{}, false, nil
	}
	return Principal{UserID: claims.Sub, Username: claims.Name}, true, nil
}

type userStore interface {
	FindUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// ExternalVerifier accepts tokens issued by an external identity provider and
// maps them onto local users, creating the user record on first contact.
type ExternalVerifier struct {
	Validate func(ctx context.Context, token string) (username string, err error)
	Store    userStore
}

func (v ExternalVerifier) Verify(ctx context.Context, token string) (Principal, bool, error) {
	if v.Validate == nil {
		return Principal{}, false, nil
	}
	username, err := v.Validate(ctx, token)
	if err != nil {
		return Principal{}, false, nil
	}

	user, err := v.Store.FindUserByUsername(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		user = store.User{ID: util.NewID("usr"), Username: username}
		if err := v.Store.CreateUser(ctx, user); err != nil {
			return Principal{}, false, fmt.Errorf("provision external user: %w", err)
		}
	} else if err != nil {
		return Principal{}, false, fmt.Errorf("lookup external user: %w", err)
	}
	return Principal{UserID: user.ID, Username: user.Username}, true, nil
}
