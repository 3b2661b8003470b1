package export

import (
	"context"
	"fmt"
	"time"

	"issuetracker/api/internal/store"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetIssue(ctx context.Context, id string) (store.Issue, error)
	ListComments(ctx context.Context, issueID string) ([]store.Comment, error)
	ListIssueActivities(ctx context.Context, issueID string) ([]store.Activity, error)
}

// Service provides issue report export
type Service struct {
	store DataStore
	now   func() time.Time
	pdf   func(ctx context.Context, html, title string) (*Result, error)
	docx  func(ctx context.Context, html, title string) (*Result, error)
}

func NewService(store DataStore) *Service {
	return &Service{store: store, now: time.Now, pdf: exportPDF, docx: exportDOCX}
}

// Export generates an export in the requested format. A missing issue is
// reported as store.ErrNotFound.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	issue, err := s.store.GetIssue(ctx, req.IssueID)
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	comments, err := s.store.ListComments(ctx, req.IssueID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	activities, err := s.store.ListIssueActivities(ctx, req.IssueID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}

	html, err := RenderIssueHTML(TemplateData{
		Issue:       issue,
		Comments:    flattenComments(comments),
		Activities:  templateActivities(activities),
		GeneratedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML, "":
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(issue.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, issue.Title)
	case FormatDOCX:
		return s.docx(ctx, html, issue.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
