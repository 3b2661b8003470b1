package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// WithinTx runs fn inside a transaction. Nested calls reuse the outer one.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: s.db, q: tx, inTx: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

const userColumns = `id, name, email, password_hash, role, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role)
		VALUES ($1, $2, LOWER($3), $4, $5)
		RETURNING `+userColumns,
		user.ID, user.Name, user.Email, user.PasswordHash, user.Role,
	)
	created, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsersByRole(ctx context.Context, role string) ([]User, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY name, id`, role)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// Issues

const issueSelect = `
	SELECT i.id, i.title, i.description, i.status, i.priority, i.reporter_id, i.assignee_id,
		i.created_at, i.updated_at,
		r.name, r.email, r.role,
		a.name, a.email, a.role
	FROM issues i
	JOIN users r ON r.id = i.reporter_id
	LEFT JOIN users a ON a.id = i.assignee_id`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var (
		item          Issue
		assigneeID    sql.NullString
		assigneeName  sql.NullString
		assigneeEmail sql.NullString
		assigneeRole  sql.NullString
	)
	err := row.Scan(
		&item.ID, &item.Title, &item.Description, &item.Status, &item.Priority, &item.ReporterID, &assigneeID,
		&item.CreatedAt, &item.UpdatedAt,
		&item.Reporter.Name, &item.Reporter.Email, &item.Reporter.Role,
		&assigneeName, &assigneeEmail, &assigneeRole,
	)
	if err != nil {
		return Issue{}, err
	}
	item.Reporter.ID = item.ReporterID
	if assigneeID.Valid {
		id := assigneeID.String
		item.AssigneeID = &id
		item.Assignee = &UserRef{ID: id, Name: assigneeName.String, Email: assigneeEmail.String, Role: assigneeRole.String}
	}
	return item, nil
}

func (s *PostgresStore) InsertIssue(ctx context.Context, item Issue) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO issues (id, title, description, status, priority, reporter_id, assignee_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.Title, item.Description, item.Status, item.Priority, item.ReporterID, nullable(item.AssigneeID))
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, id string) (Issue, error) {
	item, err := scanIssue(s.q.QueryRowContext(ctx, issueSelect+` WHERE i.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Issue{}, ErrNotFound
	}
	if err != nil {
		return Issue{}, fmt.Errorf("get issue: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]Issue, int, error) {
	var (
		where []string
		args  []any
	)
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		where = append(where, fmt.Sprintf(`i.title ILIKE $%d ESCAPE '\'`, len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("i.status = $%d", len(args)))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		where = append(where, fmt.Sprintf("i.priority = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.q.QueryRowContext(ctx, `SELECT count(*) FROM issues i`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count issues: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 5
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := issueSelect + clause + fmt.Sprintf(
		" ORDER BY i.created_at DESC, i.id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := s.q.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate issues: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) UpdateIssue(ctx context.Context, id string, patch IssuePatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.ClearAssignee {
		sets = append(sets, "assignee_id = NULL")
	} else if patch.AssigneeID != nil {
		add("assignee_id", *patch.AssigneeID)
	}

	result, err := s.q.ExecContext(ctx, `UPDATE issues SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	return expectOneRow(result)
}

func (s *PostgresStore) DeleteIssue(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM issues WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	return expectOneRow(result)
}

// Comments

const commentSelect = `
	SELECT c.id, c.issue_id, c.author_id, c.body, c.parent_id, c.created_at,
		u.name, u.email, u.role
	FROM comments c
	JOIN users u ON u.id = c.author_id`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var (
		item     Comment
		parentID sql.NullString
	)
	err := row.Scan(&item.ID, &item.IssueID, &item.AuthorID, &item.Body, &parentID, &item.CreatedAt,
		&item.Author.Name, &item.Author.Email, &item.Author.Role)
	if err != nil {
		return Comment{}, err
	}
	item.Author.ID = item.AuthorID
	if parentID.Valid {
		parent := parentID.String
		item.ParentID = &parent
	}
	return item, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO comments (id, issue_id, author_id, body, parent_id)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.IssueID, item.AuthorID, item.Body, nullable(item.ParentID))
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (Comment, error) {
	item, err := scanComment(s.q.QueryRowContext(ctx, commentSelect+` WHERE c.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	rows, err := s.q.QueryContext(ctx, commentSelect+` WHERE c.issue_id = $1 ORDER BY c.created_at ASC, c.id ASC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// Activities

const activitySelect = `
	SELECT act.id, act.issue_id, act.actor_id, act.action, act.details, act.created_at,
		u.name, u.email, i.title
	FROM activities act
	JOIN users u ON u.id = act.actor_id
	LEFT JOIN issues i ON i.id = act.issue_id`

func (s *PostgresStore) InsertActivity(ctx context.Context, item Activity) error {
	details := item.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal activity details: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO activities (id, issue_id, actor_id, action, details)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, item.ID, item.IssueID, item.ActorID, item.Action, string(payload))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivities(ctx context.Context) ([]Activity, error) {
	return s.queryActivities(ctx, activitySelect+` ORDER BY act.created_at DESC, act.id DESC`)
}

func (s *PostgresStore) ListIssueActivities(ctx context.Context, issueID string) ([]Activity, error) {
	return s.queryActivities(ctx, activitySelect+` WHERE act.issue_id = $1 ORDER BY act.created_at ASC, act.id ASC`, issueID)
}

func (s *PostgresStore) queryActivities(ctx context.Context, query string, args ...any) ([]Activity, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		var (
			item       Activity
			details    []byte
			issueTitle sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.IssueID, &item.ActorID, &item.Action, &details, &item.CreatedAt,
			&item.ActorName, &item.ActorEmail, &issueTitle); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		item.Details = map[string]any{}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &item.Details); err != nil {
				return nil, fmt.Errorf("decode activity details: %w", err)
			}
		}
		if issueTitle.Valid {
			title := issueTitle.String
			item.IssueTitle = &title
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return items, nil
}

// Token revocation

func (s *PostgresStore) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti = $1 AND expires_at > NOW())`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func expectOneRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(value *string) any {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
