package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// buildQuery returns the count and data statements for q plus their
// arguments. The text is matched with plainto_tsquery against issues.fts.
func buildQuery(q Query) (countSQL, dataSQL string, args []any) {
	q = normalize(q)
	tsQuery := "plainto_tsquery('english', $1)"
	args = []any{q.Text}
	where := []string{"i.fts @@ " + tsQuery}
	if q.Status != "" {
		args = append(args, q.Status)
		where = append(where, fmt.Sprintf("i.status = $%d", len(args)))
	}
	if q.Priority != "" {
		args = append(args, q.Priority)
		where = append(where, fmt.Sprintf("i.priority = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	countSQL = "SELECT count(*) FROM issues i WHERE " + clause
	dataSQL = fmt.Sprintf(`
		SELECT i.id::text, i.title,
			ts_headline('english', coalesce(i.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			i.status, i.priority
		FROM issues i
		WHERE %s
		ORDER BY ts_rank(i.fts, %s) DESC, i.created_at DESC
		LIMIT %d OFFSET %d`, tsQuery, clause, tsQuery, q.Limit, q.Offset)
	return countSQL, dataSQL, args
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	countSQL, dataSQL, args := buildQuery(q)
	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Status, &r.Priority); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllIssues returns every issue for full reindexing.
func (p *PgFTS) LoadAllIssues(ctx context.Context) ([]IssueRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, title, description, status, priority, reporter_id::text, coalesce(assignee_id::text, '')
		FROM issues
	`)
	if err != nil {
		return nil, fmt.Errorf("load issues: %w", err)
	}
	defer rows.Close()

	records := make([]IssueRecord, 0)
	for rows.Next() {
		var r IssueRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.Status, &r.Priority, &r.ReporterID, &r.AssigneeID); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return records, nil
}
