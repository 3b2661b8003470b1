// Package authpw provides email/password registration and login.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"issuetracker/api/internal/auth"
	"issuetracker/api/internal/rbac"
	"issuetracker/api/internal/store"
	"issuetracker/api/internal/util"
)

const MinPasswordLength = 6

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ValidationError reports a rejected registration or login input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
}

// Service provides email/password authentication
type Service struct {
	store       UserStore
	tokenSecret []byte
	tokenTTL    time.Duration
	now         func() time.Time
	validate    *validator.Validate
	cost        int
}

// NewService creates a new auth service
func NewService(store UserStore, tokenSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 7 * 24 * time.Hour
	}
	return &Service{
		store:       store,
		tokenSecret: []byte(tokenSecret),
		tokenTTL:    tokenTTL,
		now:         time.Now,
		validate:    validator.New(),
		cost:        bcrypt.DefaultCost,
	}
}

// RegisterRequest contains registration parameters. Role defaults to User.
type RegisterRequest struct {
	Name     string
	Email    string
	Password string
	Role     string
}

type LoginRequest struct {
	Email    string
	Password string
}

// Result is a freshly issued session for a user.
type Result struct {
	Token     string
	ExpiresAt time.Time
	User      store.User
}

// Register creates a new user account and signs them in.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Result, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	role := strings.TrimSpace(req.Role)

	switch {
	case name == "":
		return Result{}, invalid("name", "name is required")
	case email == "":
		return Result{}, invalid("email", "email is required")
	case req.Password == "":
		return Result{}, invalid("password", "password is required")
	}
	if err := s.validate.Var(email, "email"); err != nil {
		return Result{}, invalid("email", "email is invalid")
	}
	if len(req.Password) < MinPasswordLength {
		return Result{}, invalid("password", fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if role == "" {
		role = string(rbac.RoleUser)
	}
	if !rbac.Valid(role) {
		return Result{}, invalid("role", "role must be one of Admin, Developer, User")
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return Result{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return Result{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
	})
	if errors.Is(err, store.ErrEmailTaken) {
		// lost a race with a concurrent registration
		return Result{}, ErrEmailTaken
	}
	if err != nil {
		return Result{}, fmt.Errorf("create user: %w", err)
	}
	return s.issue(user)
}

// Login authenticates a user. Unknown emails and wrong passwords both return
// ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Result, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return Result{}, invalid("email", "email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, ErrInvalidCredentials
	}
	if err != nil {
		return Result{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return Result{}, ErrInvalidCredentials
	}
	return s.issue(user)
}

func (s *Service) issue(user store.User) (Result, error) {
	expiresAt := s.now().Add(s.tokenTTL)
	token, err := auth.IssueToken(s.tokenSecret, auth.Claims{
		Sub:  user.ID,
		Role: user.Role,
		JTI:  util.NewID(),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Token: token, ExpiresAt: expiresAt, User: user}, nil
}
