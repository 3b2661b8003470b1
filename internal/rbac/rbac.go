package rbac

import "sort"

type Role string
type Action string

const (
	RoleAdmin     Role = "Admin"
	RoleDeveloper Role = "Developer"
	RoleUser      Role = "User"
)

const (
	ActionCreateIssue    Action = "create_issue"
	ActionDeleteIssue    Action = "delete_issue"
	ActionAssignIssue    Action = "assign_issue"
	ActionListActivities Action = "list_activities"
	ActionListDevelopers Action = "list_developers"
)

// Issue fields a client may name in an update request.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldPriority    = "priority"
	FieldAssignee    = "assignee"
)

var (
	adminFields = map[string]bool{
		FieldTitle:       true,
		FieldDescription: true,
		FieldStatus:      true,
		FieldPriority:    true,
		FieldAssignee:    true,
	}
	developerFields = map[string]bool{FieldStatus: true}
	reporterFields  = map[string]bool{FieldTitle: true, FieldDescription: true}
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleUser:
		return action == ActionCreateIssue
	default:
		return false
	}
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleAdmin, RoleDeveloper, RoleUser:
		return true
	default:
		return false
	}
}

// Decision is the outcome of an issue update check. Fields lists the
// requested fields that may be written, sorted.
type Decision struct {
	Allowed bool
	Fields  []string
	Reason  string
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// IssueUpdate filters the requested fields of an issue update for the acting
// user. Developers must send status and nothing else; any other key rejects
// the whole request. Users may only edit issues they reported and lose every
// key other than title and description. Admins may write every mutable field.
func IssueUpdate(role Role, reporterID, actorID string, requested []string) Decision {
	switch role {
	case RoleAdmin:
		return Decision{Allowed: true, Fields: keep(requested, adminFields)}
	case RoleDeveloper:
		if len(requested) == 0 {
			return deny("developers can only update issue status")
		}
		for _, field := range requested {
			if !developerFields[field] {
				return deny("developers can only update issue status")
			}
		}
		return Decision{Allowed: true, Fields: keep(requested, developerFields)}
	case RoleUser:
		if reporterID == "" || reporterID != actorID {
			return deny("only the reporter can update this issue")
		}
		return Decision{Allowed: true, Fields: keep(requested, reporterFields)}
	default:
		return deny("unknown role")
	}
}

// CanComment reports whether the actor may comment on an issue reported by
// reporterID.
func CanComment(role Role, reporterID, actorID string) bool {
	switch role {
	case RoleAdmin, RoleDeveloper:
		return true
	case RoleUser:
		return reporterID != "" && reporterID == actorID
	default:
		return false
	}
}

func keep(requested []string, allowed map[string]bool) []string {
	fields := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, field := range requested {
		if allowed[field] && !seen[field] {
			seen[field] = true
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}
