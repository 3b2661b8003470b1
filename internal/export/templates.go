package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"issuetracker/api/internal/store"
	"issuetracker/api/internal/thread"
)

//go:embed templates/*.html
var templateFS embed.FS

var issueTemplate = template.Must(template.New("issue.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
	"indent": func(depth int) template.CSS {
		return template.CSS(fmt.Sprintf("%.1frem", 1.5*float64(depth)))
	},
}).ParseFS(templateFS, "templates/issue.html"))

// TemplateData holds data for the issue report template
type TemplateData struct {
	Issue       store.Issue
	Comments    []TemplateComment
	Activities  []TemplateActivity
	GeneratedAt time.Time
}

// TemplateComment is one comment flattened out of its thread, parents before
// replies.
type TemplateComment struct {
	Author    string
	Body      string
	CreatedAt time.Time
	Depth     int
}

type TemplateActivity struct {
	Actor     string
	Action    string
	Summary   string
	CreatedAt time.Time
}

// flattenComments orders comments depth-first by thread.
func flattenComments(comments []store.Comment) []TemplateComment {
	out := make([]TemplateComment, 0, len(comments))
	thread.Walk(thread.Build(comments), func(node *thread.Node[store.Comment], depth int) {
		out = append(out, TemplateComment{
			Author:    node.Item.Author.Name,
			Body:      node.Item.Body,
			CreatedAt: node.Item.CreatedAt,
			Depth:     depth,
		})
	})
	return out
}

func templateActivities(activities []store.Activity) []TemplateActivity {
	out := make([]TemplateActivity, 0, len(activities))
	for _, a := range activities {
		out = append(out, TemplateActivity{
			Actor:     a.ActorName,
			Action:    strings.ReplaceAll(a.Action, "_", " "),
			Summary:   summarizeDetails(a.Details),
			CreatedAt: a.CreatedAt,
		})
	}
	return out
}

// summarizeDetails renders an activity payload as "key: value" pairs in key
// order.
func summarizeDetails(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for key := range details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := details[key]
		if value == nil {
			value = "none"
		}
		parts = append(parts, fmt.Sprintf("%s: %v", key, value))
	}
	return strings.Join(parts, ", ")
}

// RenderIssueHTML renders the issue report template with provided data
func RenderIssueHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := issueTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
