package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"issuetracker/api/internal/email"
	"issuetracker/api/internal/logging"
	"issuetracker/api/internal/rbac"
	"issuetracker/api/internal/search"
	"issuetracker/api/internal/store"
	"issuetracker/api/internal/util"
)

const (
	StatusOpen       = "Open"
	StatusInProgress = "In-Progress"
	StatusResolved   = "Resolved"

	defaultPriority = "Medium"

	defaultPageLimit = 5
)

const (
	titleRule       = "required,max=200"
	descriptionRule = "max=5000"
	statusRule      = "required,oneof=Open In-Progress Resolved"
	priorityRule    = "required,oneof=Low Medium High"
)

// CreateIssueInput is checked against the same rules as updates; an empty
// priority means the default.
type CreateIssueInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Priority    string  `json:"priority"`
	Assignee    *string `json:"assignee"`
}

// IssueQuery selects one page of the issue list. Page or Limit below one
// means the default.
type IssueQuery struct {
	Q        string
	Status   string
	Priority string
	Page     int
	Limit    int
}

func (s *Service) CreateIssue(ctx context.Context, session Session, input CreateIssueInput) (IssueView, error) {
	if !s.Can(session.Role, rbac.ActionCreateIssue) {
		return IssueView{}, forbiddenError("Developers cannot create issues")
	}
	input.Title = strings.TrimSpace(input.Title)
	input.Priority = strings.TrimSpace(input.Priority)
	if err := s.checkVar(rbac.FieldTitle, input.Title, titleRule); err != nil {
		return IssueView{}, err
	}
	if err := s.checkVar(rbac.FieldDescription, input.Description, descriptionRule); err != nil {
		return IssueView{}, err
	}
	if input.Priority == "" {
		input.Priority = defaultPriority
	}
	if err := s.checkVar(rbac.FieldPriority, input.Priority, priorityRule); err != nil {
		return IssueView{}, err
	}

	issue := store.Issue{
		ID:          util.NewID(),
		Title:       input.Title,
		Description: input.Description,
		Status:      StatusOpen,
		Priority:    input.Priority,
		ReporterID:  session.UserID,
	}
	if rbac.Role(session.Role) == rbac.RoleAdmin && input.Assignee != nil {
		assignee, err := s.resolveAssignee(ctx, *input.Assignee)
		if err != nil {
			return IssueView{}, err
		}
		if assignee != nil {
			issue.AssigneeID = &assignee.ID
		}
	}

	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.InsertIssue(ctx, issue); err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
		return recordActivity(ctx, tx, issue.ID, session.UserID, ActionCreatedIssue, map[string]any{
			"title":    issue.Title,
			"priority": issue.Priority,
		})
	})
	if err != nil {
		return IssueView{}, err
	}
	return s.reloadAndIndex(ctx, issue.ID)
}

func (s *Service) GetIssue(ctx context.Context, id string) (IssueView, error) {
	issue, err := s.loadIssue(ctx, id)
	if err != nil {
		return IssueView{}, err
	}
	return issueView(issue), nil
}

// UpdateIssue applies the fields of raw the caller's role may write. Keys
// outside the role's set are dropped, except for Developers, whose request is
// rejected whole. The updated_issue activity records the request as sent.
func (s *Service) UpdateIssue(ctx context.Context, session Session, id string, raw map[string]json.RawMessage) (IssueView, error) {
	current, err := s.loadIssue(ctx, id)
	if err != nil {
		return IssueView{}, err
	}

	requested := make([]string, 0, len(raw))
	for key := range raw {
		requested = append(requested, key)
	}
	sort.Strings(requested)
	decision := rbac.IssueUpdate(rbac.Role(session.Role), current.ReporterID, session.UserID, requested)
	if !decision.Allowed {
		return IssueView{}, forbiddenError(capitalize(decision.Reason))
	}

	patch, applied, err := s.buildPatch(ctx, raw, decision.Fields)
	if err != nil {
		return IssueView{}, err
	}
	if len(applied) == 0 {
		return issueView(current), nil
	}

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateIssue(ctx, current.ID, patch); err != nil {
			return fmt.Errorf("update issue: %w", err)
		}
		if patch.Status != nil && *patch.Status != current.Status {
			if err := recordActivity(ctx, tx, current.ID, session.UserID, ActionStatusChanged, map[string]any{
				"from": current.Status,
				"to":   *patch.Status,
			}); err != nil {
				return err
			}
		}
		return recordActivity(ctx, tx, current.ID, session.UserID, ActionUpdatedIssue, requestDetails(raw))
	})
	if err != nil {
		return IssueView{}, err
	}
	return s.reloadAndIndex(ctx, current.ID)
}

// buildPatch decodes and validates the allowed fields of raw. applied holds
// the written values keyed by field name.
func (s *Service) buildPatch(ctx context.Context, raw map[string]json.RawMessage, fields []string) (store.IssuePatch, map[string]any, error) {
	var patch store.IssuePatch
	applied := make(map[string]any, len(fields))

	for _, field := range fields {
		value := raw[field]
		switch field {
		case rbac.FieldTitle:
			title, err := decodeString(field, value)
			if err != nil {
				return patch, nil, err
			}
			title = strings.TrimSpace(title)
			if err := s.checkVar(field, title, titleRule); err != nil {
				return patch, nil, err
			}
			patch.Title = &title
			applied[field] = title
		case rbac.FieldDescription:
			description, err := decodeString(field, value)
			if err != nil {
				return patch, nil, err
			}
			if err := s.checkVar(field, description, descriptionRule); err != nil {
				return patch, nil, err
			}
			patch.Description = &description
			applied[field] = description
		case rbac.FieldStatus:
			status, err := decodeString(field, value)
			if err != nil {
				return patch, nil, err
			}
			if err := s.checkVar(field, status, statusRule); err != nil {
				return patch, nil, err
			}
			patch.Status = &status
			applied[field] = status
		case rbac.FieldPriority:
			priority, err := decodeString(field, value)
			if err != nil {
				return patch, nil, err
			}
			if err := s.checkVar(field, priority, priorityRule); err != nil {
				return patch, nil, err
			}
			patch.Priority = &priority
			applied[field] = priority
		case rbac.FieldAssignee:
			rawID, err := decodeNullableString(field, value)
			if err != nil {
				return patch, nil, err
			}
			assignee, err := s.resolveAssignee(ctx, derefString(rawID))
			if err != nil {
				return patch, nil, err
			}
			if assignee == nil {
				patch.ClearAssignee = true
				applied[field] = nil
			} else {
				patch.AssigneeID = &assignee.ID
				applied[field] = assignee.ID
			}
		}
	}
	return patch, applied, nil
}

// DeleteIssue removes an issue with its comments. Admin only.
func (s *Service) DeleteIssue(ctx context.Context, session Session, id string) error {
	if !s.Can(session.Role, rbac.ActionDeleteIssue) {
		return forbiddenError("Only Admin can delete issues")
	}
	current, err := s.loadIssue(ctx, id)
	if err != nil {
		return err
	}
	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.DeleteIssue(ctx, current.ID); err != nil {
			return fmt.Errorf("delete issue: %w", err)
		}
		return recordActivity(ctx, tx, current.ID, session.UserID, ActionDeletedIssue, map[string]any{
			"title": current.Title,
		})
	})
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteIssue(current.ID)
	}
	return nil
}

// AssignIssue sets or clears the assignee. A nil or blank assignee clears it.
func (s *Service) AssignIssue(ctx context.Context, session Session, id string, assigneeID *string) (IssueView, error) {
	if !s.Can(session.Role, rbac.ActionAssignIssue) {
		return IssueView{}, forbiddenError("Only Admin can assign issues")
	}
	current, err := s.loadIssue(ctx, id)
	if err != nil {
		return IssueView{}, err
	}
	assignee, err := s.resolveAssignee(ctx, derefString(assigneeID))
	if err != nil {
		return IssueView{}, err
	}

	patch := store.IssuePatch{ClearAssignee: assignee == nil}
	if assignee != nil {
		patch.AssigneeID = &assignee.ID
	}
	var recorded any
	if assigneeID != nil {
		recorded = *assigneeID
	}

	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateIssue(ctx, current.ID, patch); err != nil {
			return fmt.Errorf("assign issue: %w", err)
		}
		return recordActivity(ctx, tx, current.ID, session.UserID, ActionAssignedIssue, map[string]any{
			"assignee": recorded,
		})
	})
	if err != nil {
		return IssueView{}, err
	}

	view, err := s.reloadAndIndex(ctx, current.ID)
	if err != nil {
		return IssueView{}, err
	}
	if assignee != nil {
		s.notifyAssignee(ctx, session, *assignee, view)
	}
	return view, nil
}

func (s *Service) ListIssues(ctx context.Context, query IssueQuery) (IssuePage, error) {
	page, limit := query.Page, query.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}

	items, total, err := s.store.ListIssues(ctx, store.IssueFilter{
		Query:    strings.TrimSpace(query.Q),
		Status:   strings.TrimSpace(query.Status),
		Priority: strings.TrimSpace(query.Priority),
		Limit:    limit,
		Offset:   (page - 1) * limit,
	})
	if err != nil {
		return IssuePage{}, err
	}
	issues := make([]IssueView, 0, len(items))
	for _, item := range items {
		issues = append(issues, issueView(item))
	}
	return IssuePage{
		Issues:     issues,
		Total:      total,
		Page:       page,
		TotalPages: totalPages(total, limit),
	}, nil
}

// totalPages is ceil(total/limit), never less than one.
func totalPages(total, limit int) int {
	if limit <= 0 || total <= 0 {
		return 1
	}
	return (total + limit - 1) / limit
}

// loadIssue treats malformed ids as missing issues.
func (s *Service) loadIssue(ctx context.Context, id string) (store.Issue, error) {
	if !validIssueID(id) {
		return store.Issue{}, notFoundError("Issue not found")
	}
	issue, err := s.store.GetIssue(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Issue{}, notFoundError("Issue not found")
	}
	return issue, err
}

// resolveAssignee returns nil for a blank id and the user otherwise. Unknown
// or malformed ids are validation failures.
func (s *Service) resolveAssignee(ctx context.Context, id string) (*store.User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	if !util.ValidID(id) {
		return nil, invalidField("assignee", "assignee must be a valid user id")
	}
	user, err := s.store.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalidField("assignee", "assignee does not exist")
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) reloadAndIndex(ctx context.Context, id string) (IssueView, error) {
	issue, err := s.store.GetIssue(ctx, id)
	if err != nil {
		return IssueView{}, fmt.Errorf("reload issue: %w", err)
	}
	if s.search != nil {
		s.search.IndexIssue(searchRecord(issue))
	}
	return issueView(issue), nil
}

func searchRecord(issue store.Issue) search.IssueRecord {
	return search.IssueRecord{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Status:      issue.Status,
		Priority:    issue.Priority,
		ReporterID:  issue.ReporterID,
		AssigneeID:  derefString(issue.AssigneeID),
	}
}

func (s *Service) notifyAssignee(ctx context.Context, session Session, assignee store.User, issue IssueView) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	data := email.AssignmentData{
		AssigneeName: assignee.Name,
		AssignerName: session.UserName,
		IssueID:      issue.ID,
		IssueTitle:   issue.Title,
		Priority:     issue.Priority,
		Status:       issue.Status,
	}
	logCtx := context.WithoutCancel(ctx)
	s.background(func() {
		if err := s.mailer.SendAssignmentEmail(assignee.Email, data); err != nil {
			logging.Warn(logCtx, "assignment email failed", "issue_id", issue.ID, "error", err)
		}
	})
}

// requestDetails decodes an update body for the activity log. A blank
// assignee is recorded as null.
func requestDetails(raw map[string]json.RawMessage) map[string]any {
	details := make(map[string]any, len(raw))
	for key, value := range raw {
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			continue
		}
		if key == rbac.FieldAssignee {
			if id, ok := decoded.(string); ok && strings.TrimSpace(id) == "" {
				decoded = nil
			}
		}
		details[key] = decoded
	}
	return details
}

func decodeString(field string, raw json.RawMessage) (string, error) {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", invalidField(field, field+" must be a string")
	}
	return value, nil
}

func decodeNullableString(field string, raw json.RawMessage) (*string, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	value, err := decodeString(field, raw)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func capitalize(value string) string {
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}
