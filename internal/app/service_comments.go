package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"issuetracker/api/internal/rbac"
	"issuetracker/api/internal/store"
	"issuetracker/api/internal/thread"
	"issuetracker/api/internal/util"
)

type CommentInput struct {
	Body   string  `json:"body" validate:"required,max=2000"`
	Parent *string `json:"parent"`
}

func (s *Service) AddComment(ctx context.Context, session Session, issueID string, input CommentInput) (CommentView, error) {
	if !util.ValidID(issueID) {
		return CommentView{}, invalidField("issueId", "Invalid issue id")
	}
	input.Body = strings.TrimSpace(input.Body)
	if err := s.checkStruct(input); err != nil {
		return CommentView{}, err
	}

	issue, err := s.store.GetIssue(ctx, issueID)
	if errors.Is(err, store.ErrNotFound) {
		return CommentView{}, notFoundError("Issue not found")
	}
	if err != nil {
		return CommentView{}, err
	}
	if !rbac.CanComment(rbac.Role(session.Role), issue.ReporterID, session.UserID) {
		return CommentView{}, forbiddenError("You can only comment on issues you reported")
	}

	parentID, err := s.resolveParent(ctx, issue.ID, derefString(input.Parent))
	if err != nil {
		return CommentView{}, err
	}

	comment := store.Comment{
		ID:       util.NewID(),
		IssueID:  issue.ID,
		AuthorID: session.UserID,
		Body:     input.Body,
		ParentID: parentID,
	}
	var parent any
	if parentID != nil {
		parent = *parentID
	}
	err = s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.InsertComment(ctx, comment); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		return recordActivity(ctx, tx, issue.ID, session.UserID, ActionCommented, map[string]any{
			"comment":   comment.Body,
			"commentId": comment.ID,
			"parent":    parent,
		})
	})
	if err != nil {
		return CommentView{}, err
	}

	saved, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return CommentView{}, fmt.Errorf("reload comment: %w", err)
	}
	return commentView(saved), nil
}

// resolveParent returns nil for a blank parent. Otherwise the parent must be
// an existing comment on the same issue.
func (s *Service) resolveParent(ctx context.Context, issueID, parent string) (*string, error) {
	parent = strings.TrimSpace(parent)
	if parent == "" {
		return nil, nil
	}
	if !util.ValidID(parent) {
		return nil, invalidField("parent", "parent must be a valid comment id")
	}
	comment, err := s.store.GetComment(ctx, parent)
	if errors.Is(err, store.ErrNotFound) || (err == nil && comment.IssueID != issueID) {
		return nil, invalidField("parent", "parent comment does not belong to this issue")
	}
	if err != nil {
		return nil, err
	}
	return &comment.ID, nil
}

// GetComments returns the reply forest of an issue. Siblings keep creation
// order.
func (s *Service) GetComments(ctx context.Context, issueID string) ([]CommentNode, error) {
	if !util.ValidID(issueID) {
		return nil, invalidField("issueId", "Invalid issue id")
	}
	items, err := s.store.ListComments(ctx, issueID)
	if err != nil {
		return nil, err
	}
	return commentForest(thread.Build(items)), nil
}
