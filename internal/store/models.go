package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// UserRef is the public projection of a user joined onto other records.
type UserRef struct {
	ID    string
	Name  string
	Email string
	Role  string
}

type Issue struct {
	ID          string
	Title       string
	Description string
	Status      string
	Priority    string
	ReporterID  string
	AssigneeID  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// Joined fields for API responses
	Reporter UserRef
	Assignee *UserRef
}

type IssueFilter struct {
	Query    string
	Status   string
	Priority string
	Limit    int
	Offset   int
}

// IssuePatch carries the columns an update writes; nil fields are unchanged.
// ClearAssignee sets the assignee to NULL.
type IssuePatch struct {
	Title         *string
	Description   *string
	Status        *string
	Priority      *string
	AssigneeID    *string
	ClearAssignee bool
}

type Comment struct {
	ID        string
	IssueID   string
	AuthorID  string
	Body      string
	ParentID  *string
	CreatedAt time.Time
	// Joined fields for API responses
	Author UserRef
}

func (c Comment) ThreadID() string { return c.ID }

func (c Comment) ThreadParentID() string {
	if c.ParentID == nil {
		return ""
	}
	return *c.ParentID
}

type Activity struct {
	ID        string
	IssueID   string
	ActorID   string
	Action    string
	Details   map[string]any
	CreatedAt time.Time
	// Joined fields for API responses
	ActorName  string
	ActorEmail string
	IssueTitle *string
}
