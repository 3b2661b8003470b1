package app

import (
	"time"

	"issuetracker/api/internal/store"
	"issuetracker/api/internal/thread"
)

type UserView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type IssueView struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Priority    string    `json:"priority"`
	Reporter    UserView  `json:"reporter"`
	Assignee    *UserView `json:"assignee"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type CommentView struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue"`
	Author    UserView  `json:"author"`
	Body      string    `json:"body"`
	Parent    *string   `json:"parent"`
	CreatedAt time.Time `json:"createdAt"`
}

// CommentNode is a comment with its direct replies.
type CommentNode struct {
	CommentView
	Replies []CommentNode `json:"replies"`
}

type ActivityIssueView struct {
	ID    string  `json:"id"`
	Title *string `json:"title"`
}

type ActivityView struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Details   map[string]any    `json:"details"`
	Actor     UserView          `json:"actor"`
	Issue     ActivityIssueView `json:"issue"`
	CreatedAt time.Time         `json:"createdAt"`
}

type IssuePage struct {
	Issues     []IssueView `json:"issues"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	TotalPages int         `json:"totalPages"`
}

func userView(user store.User) UserView {
	return UserView{ID: user.ID, Name: user.Name, Email: user.Email, Role: user.Role}
}

func refView(ref store.UserRef) UserView {
	return UserView{ID: ref.ID, Name: ref.Name, Email: ref.Email, Role: ref.Role}
}

func issueView(issue store.Issue) IssueView {
	view := IssueView{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Status:      issue.Status,
		Priority:    issue.Priority,
		Reporter:    refView(issue.Reporter),
		CreatedAt:   issue.CreatedAt,
		UpdatedAt:   issue.UpdatedAt,
	}
	if issue.Assignee != nil {
		assignee := refView(*issue.Assignee)
		view.Assignee = &assignee
	}
	return view
}

func commentView(comment store.Comment) CommentView {
	return CommentView{
		ID:        comment.ID,
		IssueID:   comment.IssueID,
		Author:    refView(comment.Author),
		Body:      comment.Body,
		Parent:    comment.ParentID,
		CreatedAt: comment.CreatedAt,
	}
}

func commentForest(nodes []*thread.Node[store.Comment]) []CommentNode {
	out := make([]CommentNode, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, CommentNode{
			CommentView: commentView(node.Item),
			Replies:     commentForest(node.Replies),
		})
	}
	return out
}

func activityView(activity store.Activity) ActivityView {
	details := activity.Details
	if details == nil {
		details = map[string]any{}
	}
	return ActivityView{
		ID:      activity.ID,
		Action:  activity.Action,
		Details: details,
		Actor: UserView{
			ID:    activity.ActorID,
			Name:  activity.ActorName,
			Email: activity.ActorEmail,
		},
		Issue:     ActivityIssueView{ID: activity.IssueID, Title: activity.IssueTitle},
		CreatedAt: activity.CreatedAt,
	}
}
