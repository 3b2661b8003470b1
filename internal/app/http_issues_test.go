package app

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"issuetracker/api/internal/email"
	"issuetracker/api/internal/store"
	"issuetracker/api/internal/util"
)

type recordingRevoker struct {
	revoked map[string]bool
}

func (r *recordingRevoker) RevokeToken(_ context.Context, jti string, _ time.Time) error {
	r.revoked[jti] = true
	return nil
}

func (r *recordingRevoker) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	return r.revoked[jti], nil
}

func firstKey(m map[string]bool) string {
	for k := range m {
		return k
	}
	return ""
}

type fakeMailer struct {
	mu         sync.Mutex
	configured bool
	to         []string
	sent       []email.AssignmentData
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendAssignmentEmail(to string, data email.AssignmentData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, to)
	f.sent = append(f.sent, data)
	return nil
}

func TestCreateIssueGates(t *testing.T) {
	env := newTestEnv(t, Deps{})
	handler := env.handler.Handler()
	_, adminToken := env.seedUser(t, "admin", "Admin")
	dev, devToken := env.seedUser(t, "dev", "Developer")
	_, userToken := env.seedUser(t, "user", "User")

	res := doRequest(t, handler, http.MethodPost, "/api/issues", devToken, map[string]any{"title": "x"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("developer create: expected 403, got %d", res.Code)
	}

	res = doRequest(t, handler, http.MethodPost, "/api/issues", userToken, map[string]any{"title": "mine", "assignee": dev.ID})
	if res.Code != http.StatusCreated {
		t.Fatalf("user create: expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	created := decodeObject(t, res)
	if created["assignee"] != nil {
		t.Fatalf("user-supplied assignee must be dropped, got %v", created["assignee"])
	}
	if created["priority"] != "Medium" {
		t.Fatalf("expected default priority, got %v", created["priority"])
	}
	if got := env.store.actions(created["id"].(string)); !reflect.DeepEqual(got, []string{ActionCreatedIssue}) {
		t.Fatalf("unexpected activities %v", got)
	}

	res = doRequest(t, handler, http.MethodPost, "/api/issues", adminToken, map[string]any{"title": "routed", "assignee": dev.ID})
	if res.Code != http.StatusCreated {
		t.Fatalf("admin create: expected 201, got %d (%s)", res.Code, res.Body.String())
	}
	assignee := decodeObject(t, res)["assignee"].(map[string]any)
	if assignee["id"] != dev.ID || assignee["name"] != "dev" {
		t.Fatalf("unexpected assignee %v", assignee)
	}
}

func TestCreateIssueValidation(t *testing.T) {
	env := newTestEnv(t, Deps{})
	handler := env.handler.Handler()
	_, adminToken := env.seedUser(t, "admin", "Admin")

	long := make([]byte, 201)
	for i := range long {
		long[i] = 'a'
	}
	cases := []struct {
		name string
		body map[string]any
	}{
		{name: "missing title", body: map[string]any{"description": "x"}},
		{name: "blank title", body: map[string]any{"title": "   "}},
		{name: "long title", body: map[string]any{"title": string(long)}},
		{name: "bad priority", body: map[string]any{"title": "t", "priority": "Urgent"}},
		{name: "malformed assignee", body: map[string]any{"title": "t", "assignee": "not-an-id"}},
		{name: "unknown assignee", body: map[string]any{"title": "t", "assignee": util.NewID()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := doRequest(t, handler, http.MethodPost, "/api/issues", adminToken, tc.body)
			if res.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", res.Code, res.Body.String())
			}
			if decodeObject(t, res)["code"] != "VALIDATION_ERROR" {
				t.Fatalf("expected VALIDATION_ERROR, got %s", res.Body.String())
			}
		})
	}
	if len(env.store.issues) != 0 || len(env.store.activities) != 0 {
		t.Fatal("rejected creates must not write")
	}
}

func TestGetIssueNotFound(t *testing.T) {
	env := newTestEnv(t, Deps{})
	handler := env.handler.Handler()
	_, token := env.seedUser(t, "user", "User")

	for _, id := range []string{"not-an-id", util.NewID()} {
		res := doRequest(t, handler, http.MethodGet, "/api/issues/"+id, token, nil)
		if res.Code != http.StatusNotFound {
			t.Fatalf("GET %s: expected 404, got %d", id, res.Code)
		}
	}
}

func TestUpdateIssueRoleMatrix(t *testing.T) {
	cases := []struct {
		name       string
		role       string
		reporter   bool
		body       map[string]any
		wantStatus int
		wantTitle  string
		wantState  string
		actions    []string
	}{
		{name: "developer status and title rejected", role: "Developer", body: map[string]any{"status": "Resolved", "title": "hijack"},
			wantStatus: http.StatusForbidden, wantTitle: "initial", wantState: "Open", actions: []string{}},
		{name: "developer status only", role: "Developer", body: map[string]any{"status": "In-Progress"},
			wantStatus: http.StatusOK, wantTitle: "initial", wantState: "In-Progress",
			actions: []string{ActionStatusChanged, ActionUpdatedIssue}},
		{name: "developer without status", role: "Developer", body: map[string]any{},
			wantStatus: http.StatusForbidden, wantTitle: "initial", wantState: "Open", actions: []string{}},
		{name: "non reporter user", role: "User", body: map[string]any{"title": "mine now"},
			wantStatus: http.StatusForbidden, wantTitle: "initial", wantState: "Open", actions: []string{}},
		{name: "reporter drops status", role: "User", reporter: true, body: map[string]any{"title": "renamed", "status": "Resolved"},
			wantStatus: http.StatusOK, wantTitle: "renamed", wantState: "Open", actions: []string{ActionUpdatedIssue}},
		{name: "reporter status only is a no-op", role: "User", reporter: true, body: map[string]any{"status": "Resolved"},
			wantStatus: http.StatusOK, wantTitle: "initial", wantState: "Open", actions: []string{}},
		{name: "admin same status", role: "Admin", body: map[string]any{"status": "Open", "priority": "High"},
			wantStatus: http.StatusOK, wantTitle: "initial", wantState: "Open", actions: []string{ActionUpdatedIssue}},
		{name: "admin invalid status", role: "Admin", body: map[string]any{"status": "Closed"},
			wantStatus: http.StatusBadRequest, wantTitle: "initial", wantState: "Open", actions: []string{}},
		{name: "admin blank title", role: "Admin", body: map[string]any{"title": " "},
			wantStatus: http.StatusBadRequest, wantTitle: "initial", wantState: "Open", actions: []string{}},
		{name: "admin wrong type", role: "Admin", body: map[string]any{"title": 7},
			wantStatus: http.StatusBadRequest, wantTitle: "initial", wantState: "Open", actions: []string{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Deps{})
			handler := env.handler.Handler()
			reporter, reporterToken := env.seedUser(t, "reporter", "User")
			_, actorToken := env.seedUser(t, "actor", tc.role)
			if tc.reporter {
				actorToken = reporterToken
			}
			issue := env.seedIssue(t, reporter, "initial")

			res := doRequest(t, handler, http.MethodPut, "/api/issues/"+issue.ID, actorToken, tc.body)
			if res.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tc.wantStatus, res.Code, res.Body.String())
			}
			stored, _ := env.store.GetIssue(context.Background(), issue.ID)
			if stored.Title != tc.wantTitle || stored.Status != tc.wantState {
				t.Fatalf("stored issue = %q/%q, want %q/%q", stored.Title, stored.Status, tc.wantTitle, tc.wantState)
			}
			if got := env.store.actions(issue.ID); !reflect.DeepEqual(got, tc.actions) {
				t.Fatalf("activities = %v, want %v", got, tc.actions)
			}
		})
	}
}

func TestUpdateIssueRecordsTransition(t *testing.T) {
	env := newTestEnv(t, Deps{})
	reporter, _ := env.seedUser(t, "reporter", "User")
	_, adminToken := env.seedUser(t, "admin", "Admin")
	issue := env.seedIssue(t, reporter, "flaky test")

	res := doRequest(t, env.handler.Handler(), http.MethodPut, "/api/issues/"+issue.ID, adminToken, map[string]any{
		"status": "Resolved", "description": "fixed upstream", "assignee": "  ",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	if len(env.store.activities) != 2 {
		t.Fatalf("expected two activities, got %d", len(env.store.activities))
	}
	changed, updated := env.store.activities[0], env.store.activities[1]
	if changed.Action != ActionStatusChanged || changed.Details["from"] != "Open" || changed.Details["to"] != "Resolved" {
		t.Fatalf("unexpected transition %+v", changed)
	}
	want := map[string]any{"status": "Resolved", "description": "fixed upstream", "assignee": nil}
	if updated.Action != ActionUpdatedIssue || !reflect.DeepEqual(updated.Details, want) {
		t.Fatalf("unexpected update details %+v", updated.Details)
	}
}

func TestUpdateIssueRecordsDroppedKeys(t *testing.T) {
	env := newTestEnv(t, Deps{})
	reporter, reporterToken := env.seedUser(t, "reporter", "User")
	issue := env.seedIssue(t, reporter, "initial")

	res := doRequest(t, env.handler.Handler(), http.MethodPut, "/api/issues/"+issue.ID, reporterToken, map[string]any{
		"title": "renamed", "status": "Resolved", "priority": "High",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	stored, _ := env.store.GetIssue(context.Background(), issue.ID)
	if stored.Title != "renamed" || stored.Status != StatusOpen || stored.Priority != "Medium" {
		t.Fatalf("only the title may change, got %+v", stored)
	}
	if len(env.store.activities) != 1 {
		t.Fatalf("expected one activity, got %d", len(env.store.activities))
	}
	want := map[string]any{"title": "renamed", "status": "Resolved", "priority": "High"}
	if got := env.store.activities[0].Details; !reflect.DeepEqual(got, want) {
		t.Fatalf("updated_issue details = %v, want %v", got, want)
	}
}

func TestUpdateIssueRollsBackWhenActivityFails(t *testing.T) {
	env := newTestEnv(t, Deps{})
	reporter, _ := env.seedUser(t, "reporter", "User")
	_, adminToken := env.seedUser(t, "admin", "Admin")
	issue := env.seedIssue(t, reporter, "initial")
	env.store.insertActivityFn = func(context.Context, store.Activity) error { return errBoom }

	res := doRequest(t, env.handler.Handler(), http.MethodPut, "/api/issues/"+issue.ID, adminToken, map[string]any{"title": "changed"})
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	stored, _ := env.store.GetIssue(context.Background(), issue.ID)
	if stored.Title != "initial" {
		t.Fatalf("write should roll back, title = %q", stored.Title)
	}
}

func TestDeleteIssue(t *testing.T) {
	env := newTestEnv(t, Deps{})
	handler := env.handler.Handler()
	reporter, reporterToken := env.seedUser(t, "reporter", "User")
	_, adminToken := env.seedUser(t, "admin", "Admin")
	issue := env.seedIssue(t, reporter, "doomed")

	res := doRequest(t, handler, http.MethodDelete, "/api/issues/"+issue.ID, reporterToken, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("reporter delete: expected 403, got %d", res.Code)
	}

	res = doRequest(t, handler, http.MethodDelete, "/api/issues/"+issue.ID, adminToken, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("admin delete: expected 200, got %d", res.Code)
	}
	if decodeObject(t, res)["message"] != "Issue deleted successfully" {
		t.Fatalf("unexpected body %s", res.Body.String())
	}
	if got := env.store.actions(issue.ID); !reflect.DeepEqual(got, []string{ActionDeletedIssue}) {
		t.Fatalf("unexpected activities %v", got)
	}

	res = doRequest(t, handler, http.MethodDelete, "/api/issues/"+issue.ID, adminToken, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", res.Code)
	}
}

func TestAssignIssue(t *testing.T) {
	mailer := &fakeMailer{configured: true}
	env := newTestEnv(t, Deps{Mailer: mailer})
	handler := env.handler.Handler()
	reporter, reporterToken := env.seedUser(t, "reporter", "User")
	dev, _ := env.seedUser(t, "dev", "Developer")
	_, adminToken := env.seedUser(t, "admin", "Admin")
	issue := env.seedIssue(t, reporter, "needs owner")
	path := "/api/issues/" + issue.ID + "/assign"

	res := doRequest(t, handler, http.MethodPut, path, reporterToken, map[string]any{"assignee": dev.ID})
	if res.Code != http.StatusForbidden {
		t.Fatalf("user assign: expected 403, got %d", res.Code)
	}

	res = doRequest(t, handler, http.MethodPut, path, adminToken, map[string]any{"assignee": "bogus"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("bad assignee: expected 400, got %d", res.Code)
	}

	res = doRequest(t, handler, http.MethodPut, path, adminToken, map[string]any{"assignee": dev.ID})
	if res.Code != http.StatusOK {
		t.Fatalf("assign: expected 200, got %d (%s)", res.Code, res.Body.String())
	}
	payload := decodeObject(t, res)
	if payload["message"] != "Issue assigned successfully" {
		t.Fatalf("unexpected message %v", payload["message"])
	}
	if payload["issue"].(map[string]any)["assignee"].(map[string]any)["id"] != dev.ID {
		t.Fatalf("assignee not set: %v", payload["issue"])
	}
	if len(mailer.sent) != 1 || mailer.to[0] != dev.Email || mailer.sent[0].IssueTitle != "needs owner" {
		t.Fatalf("expected one assignment email to %s, got %v %v", dev.Email, mailer.to, mailer.sent)
	}

	res = doRequest(t, handler, http.MethodPut, path, adminToken, map[string]any{"assignee": ""})
	if res.Code != http.StatusOK {
		t.Fatalf("unassign: expected 200, got %d", res.Code)
	}
	if decodeObject(t, res)["issue"].(map[string]any)["assignee"] != nil {
		t.Fatal("expected assignee to be cleared")
	}
	if len(mailer.sent) != 1 {
		t.Fatal("clearing must not send mail")
	}

	var recorded []any
	for _, activity := range env.store.activities {
		if activity.Action == ActionAssignedIssue {
			recorded = append(recorded, activity.Details["assignee"])
		}
	}
	if !reflect.DeepEqual(recorded, []any{dev.ID, ""}) {
		t.Fatalf("assigned_issue details = %v", recorded)
	}
}

func TestListIssuesPagination(t *testing.T) {
	env := newTestEnv(t, Deps{})
	handler := env.handler.Handler()
	reporter, token := env.seedUser(t, "reporter", "User")
	for i := 1; i <= 7; i++ {
		env.seedIssue(t, reporter, fmt.Sprintf("Crash %d", i))
	}
	env.seedIssue(t, reporter, "Typo on landing page")

	res := doRequest(t, handler, http.MethodGet, "/api/issues?q=crash", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	page := decodeObject(t, res)
	if page["total"] != float64(7) || page["page"] != float64(1) || page["totalPages"] != float64(2) {
		t.Fatalf("unexpected page meta %v", page)
	}
	issues := page["issues"].([]any)
	if len(issues) != 5 || issues[0].(map[string]any)["title"] != "Crash 7" {
		t.Fatalf("expected newest first with default limit 5, got %v", issues)
	}

	res = doRequest(t, handler, http.MethodGet, "/api/issues?q=CRASH&page=2&limit=5", token, nil)
	if got := len(decodeObject(t, res)["issues"].([]any)); got != 2 {
		t.Fatalf("expected 2 issues on page 2, got %d", got)
	}

	res = doRequest(t, handler, http.MethodGet, "/api/issues?q=nothing", token, nil)
	if page := decodeObject(t, res); page["totalPages"] != float64(1) || len(page["issues"].([]any)) != 0 {
		t.Fatalf("empty result should still report one page: %v", page)
	}

	for _, query := range []string{"page=abc", "limit=1.5", "page=0", "limit=0", "page=-2&limit=-3"} {
		res = doRequest(t, handler, http.MethodGet, "/api/issues?"+query, token, nil)
		if res.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", query, res.Code)
		}
		page := decodeObject(t, res)
		if page["page"] != float64(1) || len(page["issues"].([]any)) != 5 || page["totalPages"] != float64(2) {
			t.Fatalf("%s: expected the default first page, got %v", query, page)
		}
	}
}

func TestListIssuesLargeLimit(t *testing.T) {
	env := newTestEnv(t, Deps{})
	reporter, token := env.seedUser(t, "reporter", "User")
	for i := 0; i < 150; i++ {
		env.seedIssue(t, reporter, fmt.Sprintf("Issue %d", i))
	}

	res := doRequest(t, env.handler.Handler(), http.MethodGet, "/api/issues?limit=200", token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	page := decodeObject(t, res)
	if page["total"] != float64(150) || page["totalPages"] != float64(1) {
		t.Fatalf("unexpected page meta %v", page)
	}
	if got := len(page["issues"].([]any)); got != 150 {
		t.Fatalf("expected all 150 issues, got %d", got)
	}

	res = doRequest(t, env.handler.Handler(), http.MethodGet, "/api/issues?limit=40&page=4", token, nil)
	page = decodeObject(t, res)
	if page["totalPages"] != float64(4) || len(page["issues"].([]any)) != 30 {
		t.Fatalf("expected a short last page of 30 out of 4, got %v issues, meta %v", len(page["issues"].([]any)), page["totalPages"])
	}
}

func TestTotalPages(t *testing.T) {
	cases := []struct{ total, limit, want int }{
		{0, 5, 1},
		{1, 5, 1},
		{5, 5, 1},
		{6, 5, 2},
		{11, 5, 3},
		{100, 100, 1},
		{3, 0, 1},
	}
	for _, tc := range cases {
		if got := totalPages(tc.total, tc.limit); got != tc.want {
			t.Fatalf("totalPages(%d, %d) = %d, want %d", tc.total, tc.limit, got, tc.want)
		}
	}
}
