// Package authpw provides username/password authentication.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"quillpad/api/internal/store"
	"quillpad/api/internal/util"
)

var (
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	FindUserByUsername(ctx context.Context, username string) (store.User, error)
	FindUserByUsernameFold(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
}

// Service provides username/password authentication
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// Register creates a new user account. Usernames are unique ignoring case and
// surrounding whitespace; the original casing is preserved for display.
func (s *Service) Register(ctx context.Context, username, password string) (store.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.User{}, errors.New("username and password are required")
	}
	if len(password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.FindUserByUsernameFold(ctx, username); err == nil {
		return store.User{}, ErrUsernameTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, fmt.Errorf("check username: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login authenticates a user. Lookup tries the exact username first and falls
// back to a case- and whitespace-insensitive match for accounts created before
// usernames were normalized. Accounts that still carry a plaintext password
// are migrated to bcrypt on their first successful login.
func (s *Service) Login(ctx context.Context, username, password string) (store.User, error) {
	if username == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.FindUserByUsername(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		user, err = s.store.FindUserByUsernameFold(ctx, username)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if looksLikeBcryptHash(user.PasswordHash) {
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
			return store.User{}, ErrInvalidCredentials
		}
		return user, nil
	}

	// Legacy plaintext record.
	if user.PasswordHash != password {
		return store.User{}, ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, user.ID, string(hash)); err != nil {
		// The login itself succeeded; migration retries next time.
		log.Printf("authpw: migrate password for %s: %v", user.ID, err)
	} else {
		user.PasswordHash = string(hash)
	}
	return user, nil
}

func looksLikeBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") ||
		strings.HasPrefix(value, "$2b$") ||
		strings.HasPrefix(value, "$2y$")
}
