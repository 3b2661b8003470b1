package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"issuetracker/api/internal/auth"
	"issuetracker/api/internal/config"
	"issuetracker/api/internal/store"
	"issuetracker/api/internal/util"
)

// memStore is an in-memory store.Store. Function fields override single
// methods; WithinTx restores the previous state when fn fails.
type memStore struct {
	mu         sync.Mutex
	clock      time.Time
	users      map[string]store.User
	issues     map[string]store.Issue
	comments   map[string]store.Comment
	activities []store.Activity
	revoked    map[string]time.Time

	pingFn           func(ctx context.Context) error
	insertActivityFn func(ctx context.Context, activity store.Activity) error
}

func newMemStore() *memStore {
	return &memStore{
		clock:    time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		users:    map[string]store.User{},
		issues:   map[string]store.Issue{},
		comments: map[string]store.Comment{},
		revoked:  map[string]time.Time{},
	}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.Email = strings.ToLower(user.Email)
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return store.User{}, store.ErrEmailTaken
		}
	}
	user.CreatedAt = m.tick()
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (m *memStore) ListUsersByRole(_ context.Context, role string) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.User{}
	for _, user := range m.users {
		if user.Role == role {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) ref(id string) store.UserRef {
	user := m.users[id]
	return store.UserRef{ID: user.ID, Name: user.Name, Email: user.Email, Role: user.Role}
}

func (m *memStore) joined(issue store.Issue) store.Issue {
	issue.Reporter = m.ref(issue.ReporterID)
	issue.Assignee = nil
	if issue.AssigneeID != nil {
		ref := m.ref(*issue.AssigneeID)
		issue.Assignee = &ref
	}
	return issue
}

func (m *memStore) InsertIssue(_ context.Context, issue store.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue.CreatedAt = m.tick()
	issue.UpdatedAt = issue.CreatedAt
	m.issues[issue.ID] = issue
	return nil
}

func (m *memStore) GetIssue(_ context.Context, id string) (store.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[id]
	if !ok {
		return store.Issue{}, store.ErrNotFound
	}
	return m.joined(issue), nil
}

func (m *memStore) ListIssues(_ context.Context, filter store.IssueFilter) ([]store.Issue, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := []store.Issue{}
	for _, issue := range m.issues {
		if filter.Query != "" && !strings.Contains(strings.ToLower(issue.Title), strings.ToLower(filter.Query)) {
			continue
		}
		if filter.Status != "" && issue.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && issue.Priority != filter.Priority {
			continue
		}
		matched = append(matched, m.joined(issue))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	start := min(filter.Offset, total)
	end := min(start+filter.Limit, total)
	return matched[start:end], total, nil
}

func (m *memStore) UpdateIssue(_ context.Context, id string, patch store.IssuePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.Title != nil {
		issue.Title = *patch.Title
	}
	if patch.Description != nil {
		issue.Description = *patch.Description
	}
	if patch.Status != nil {
		issue.Status = *patch.Status
	}
	if patch.Priority != nil {
		issue.Priority = *patch.Priority
	}
	if patch.AssigneeID != nil {
		assignee := *patch.AssigneeID
		issue.AssigneeID = &assignee
	}
	if patch.ClearAssignee {
		issue.AssigneeID = nil
	}
	issue.UpdatedAt = m.tick()
	m.issues[id] = issue
	return nil
}

func (m *memStore) DeleteIssue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.issues, id)
	for commentID, comment := range m.comments {
		if comment.IssueID == id {
			delete(m.comments, commentID)
		}
	}
	return nil
}

func (m *memStore) InsertComment(_ context.Context, comment store.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment.CreatedAt = m.tick()
	m.comments[comment.ID] = comment
	return nil
}

func (m *memStore) GetComment(_ context.Context, id string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[id]
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	comment.Author = m.ref(comment.AuthorID)
	return comment, nil
}

func (m *memStore) ListComments(_ context.Context, issueID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Comment{}
	for _, comment := range m.comments {
		if comment.IssueID == issueID {
			comment.Author = m.ref(comment.AuthorID)
			out = append(out, comment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) InsertActivity(ctx context.Context, activity store.Activity) error {
	if m.insertActivityFn != nil {
		if err := m.insertActivityFn(ctx, activity); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	activity.CreatedAt = m.tick()
	m.activities = append(m.activities, activity)
	return nil
}

func (m *memStore) resolveActivity(activity store.Activity) store.Activity {
	actor := m.users[activity.ActorID]
	activity.ActorName = actor.Name
	activity.ActorEmail = actor.Email
	activity.IssueTitle = nil
	if issue, ok := m.issues[activity.IssueID]; ok {
		title := issue.Title
		activity.IssueTitle = &title
	}
	return activity
}

func (m *memStore) ListActivities(_ context.Context) ([]store.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Activity, 0, len(m.activities))
	for i := len(m.activities) - 1; i >= 0; i-- {
		out = append(out, m.resolveActivity(m.activities[i]))
	}
	return out, nil
}

func (m *memStore) ListIssueActivities(_ context.Context, issueID string) ([]store.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Activity{}
	for _, activity := range m.activities {
		if activity.IssueID == issueID {
			out = append(out, m.resolveActivity(activity))
		}
	}
	return out, nil
}

func (m *memStore) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = expiresAt
	return nil
}

func (m *memStore) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiresAt, ok := m.revoked[jti]
	return ok && expiresAt.After(time.Now()), nil
}

func (m *memStore) WithinTx(_ context.Context, fn func(store.Store) error) error {
	m.mu.Lock()
	issues := cloneMap(m.issues)
	comments := cloneMap(m.comments)
	activities := append([]store.Activity(nil), m.activities...)
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.issues, m.comments, m.activities = issues, comments, activities
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

func (m *memStore) actions(issueID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []string{}
	for _, activity := range m.activities {
		if activity.IssueID == issueID {
			out = append(out, activity.Action)
		}
	}
	return out
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var errBoom = errors.New("boom")

const testSecret = "test-secret"

func testConfig() config.Config {
	return config.Config{JWTSecret: testSecret, TokenTTL: time.Hour, CORSOrigin: "*"}
}

type testEnv struct {
	store   *memStore
	service *Service
	handler *HTTPServer
}

func newTestEnv(t *testing.T, deps Deps) *testEnv {
	t.Helper()
	st := newMemStore()
	service := New(testConfig(), st, deps)
	service.background = func(fn func()) { fn() }
	handler := NewHTTPServer(service, "*")
	handler.now = func() time.Time { return time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC) }
	return &testEnv{store: st, service: service, handler: handler}
}

// seedUser stores a user directly and mints a token for it, skipping bcrypt.
func (e *testEnv) seedUser(t *testing.T, name, role string) (store.User, string) {
	t.Helper()
	user, err := e.store.CreateUser(context.Background(), store.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        strings.ToLower(name) + "@example.com",
		PasswordHash: "unused",
		Role:         role,
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:  user.ID,
		Role: role,
		JTI:  util.NewID(),
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return user, token
}

func (e *testEnv) seedIssue(t *testing.T, reporter store.User, title string) store.Issue {
	t.Helper()
	issue := store.Issue{
		ID:         util.NewID(),
		Title:      title,
		Status:     StatusOpen,
		Priority:   "Medium",
		ReporterID: reporter.ID,
	}
	if err := e.store.InsertIssue(context.Background(), issue); err != nil {
		t.Fatalf("seed issue: %v", err)
	}
	stored, _ := e.store.GetIssue(context.Background(), issue.ID)
	return stored
}
