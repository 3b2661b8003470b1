package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"issuetracker/api/internal/auth"
	"issuetracker/api/internal/authpw"
	"issuetracker/api/internal/config"
	"issuetracker/api/internal/email"
	"issuetracker/api/internal/export"
	"issuetracker/api/internal/rbac"
	"issuetracker/api/internal/search"
	"issuetracker/api/internal/store"
)

// Session is the authenticated caller attached to a request.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

// Revoker keeps the deny-list of logged-out tokens.
type Revoker interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type issueSearch interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexIssue(rec search.IssueRecord)
	DeleteIssue(id string)
}

type mailer interface {
	IsConfigured() bool
	SendAssignmentEmail(to string, data email.AssignmentData) error
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// Deps are the optional collaborators of a Service. Nil fields fall back to
// Postgres-backed or disabled implementations.
type Deps struct {
	Revoker  Revoker
	Search   issueSearch
	Mailer   mailer
	Exporter exporter
}

type Service struct {
	cfg      config.Config
	store    store.Store
	auth     *authpw.Service
	revoker  Revoker
	search   issueSearch
	mailer   mailer
	exporter exporter
	validate *validator.Validate
	// background runs fire-and-forget work; tests replace it to run inline.
	background func(func())
}

func New(cfg config.Config, st store.Store, deps Deps) *Service {
	s := &Service{
		cfg:        cfg,
		store:      st,
		auth:       authpw.NewService(st, cfg.JWTSecret, cfg.TokenTTL),
		revoker:    deps.Revoker,
		search:     deps.Search,
		mailer:     deps.Mailer,
		exporter:   deps.Exporter,
		validate:   newValidator(),
		background: func(fn func()) { go fn() },
	}
	if s.revoker == nil {
		s.revoker = st
	}
	if s.exporter == nil {
		s.exporter = export.NewService(st)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Role(role), action)
}

// AuthResult is returned by register and login.
type AuthResult struct {
	Message string   `json:"message"`
	Token   string   `json:"token"`
	User    UserView `json:"user"`
}

type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (AuthResult, error) {
	res, err := s.auth.Register(ctx, authpw.RegisterRequest{
		Name:     in.Name,
		Email:    in.Email,
		Password: in.Password,
		Role:     in.Role,
	})
	if err != nil {
		return AuthResult{}, authFailure(err)
	}
	return AuthResult{Message: "User registered successfully", Token: res.Token, User: userView(res.User)}, nil
}

func (s *Service) Login(ctx context.Context, in LoginInput) (AuthResult, error) {
	res, err := s.auth.Login(ctx, authpw.LoginRequest{Email: in.Email, Password: in.Password})
	if err != nil {
		return AuthResult{}, authFailure(err)
	}
	return AuthResult{Message: "Login successful", Token: res.Token, User: userView(res.User)}, nil
}

func authFailure(err error) error {
	var verr *authpw.ValidationError
	switch {
	case errors.As(err, &verr):
		return validationError(verr.Message, []FieldError{{Field: verr.Field, Message: verr.Message}})
	case errors.Is(err, authpw.ErrEmailTaken):
		return conflictError("Email already registered")
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return authError("INVALID_CREDENTIALS", "Invalid email or password")
	default:
		return err
	}
}

// SessionFromToken verifies a bearer token and loads its user. Revoked
// tokens and deleted users are reported as auth.ErrInvalidToken.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.revoker.IsTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		return nil
	}
	return s.revoker.RevokeToken(ctx, session.JTI, session.ExpiresAt)
}

func (s *Service) Me(session Session) UserView {
	return UserView{ID: session.UserID, Name: session.UserName, Email: session.Email, Role: session.Role}
}

// ListDevelopers returns every Developer account; Admin only.
func (s *Service) ListDevelopers(ctx context.Context, session Session) ([]UserView, error) {
	if !s.Can(session.Role, rbac.ActionListDevelopers) {
		return nil, forbiddenError("Only Admin can view developers")
	}
	users, err := s.store.ListUsersByRole(ctx, string(rbac.RoleDeveloper))
	if err != nil {
		return nil, err
	}
	out := make([]UserView, 0, len(users))
	for _, user := range users {
		out = append(out, userView(user))
	}
	return out, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) ExportIssue(ctx context.Context, issueID string, format export.Format) (*export.Result, error) {
	if !validIssueID(issueID) {
		return nil, notFoundError("Issue not found")
	}
	res, err := s.exporter.Export(ctx, export.Request{IssueID: issueID, Format: format})
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError("Issue not found")
	}
	return res, err
}
