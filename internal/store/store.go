package store

import (
	"context"
	"time"
)

// Store is the persistence contract shared by the handlers. WithinTx runs fn
// against a store bound to a single transaction.
type Store interface {
	CreateUser(ctx context.Context, user User) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	ListUsersByRole(ctx context.Context, role string) ([]User, error)

	InsertIssue(ctx context.Context, issue Issue) error
	GetIssue(ctx context.Context, id string) (Issue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]Issue, int, error)
	UpdateIssue(ctx context.Context, id string, patch IssuePatch) error
	DeleteIssue(ctx context.Context, id string) error

	InsertComment(ctx context.Context, comment Comment) error
	GetComment(ctx context.Context, id string) (Comment, error)
	ListComments(ctx context.Context, issueID string) ([]Comment, error)

	InsertActivity(ctx context.Context, activity Activity) error
	ListActivities(ctx context.Context) ([]Activity, error)
	ListIssueActivities(ctx context.Context, issueID string) ([]Activity, error)

	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)

	WithinTx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
}
