package app

import (
	"context"
	"fmt"

	"issuetracker/api/internal/rbac"
	"issuetracker/api/internal/store"
	"issuetracker/api/internal/util"
)

const (
	ActionCreatedIssue  = "created_issue"
	ActionUpdatedIssue  = "updated_issue"
	ActionAssignedIssue = "assigned_issue"
	ActionDeletedIssue  = "deleted_issue"
	ActionCommented     = "commented"
	ActionStatusChanged = "status_changed"
)

// recordActivity appends one audit entry through tx, which must be the
// transaction that performed the write being recorded.
func recordActivity(ctx context.Context, tx store.Store, issueID, actorID, action string, details map[string]any) error {
	if err := tx.InsertActivity(ctx, store.Activity{
		ID:      util.NewID(),
		IssueID: issueID,
		ActorID: actorID,
		Action:  action,
		Details: details,
	}); err != nil {
		return fmt.Errorf("record %s: %w", action, err)
	}
	return nil
}

// ListActivities returns the whole audit log, newest first. Admin only.
func (s *Service) ListActivities(ctx context.Context, session Session) ([]ActivityView, error) {
	if !s.Can(session.Role, rbac.ActionListActivities) {
		return nil, forbiddenError("Only Admin can view activities")
	}
	items, err := s.store.ListActivities(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ActivityView, 0, len(items))
	for _, item := range items {
		out = append(out, activityView(item))
	}
	return out, nil
}
