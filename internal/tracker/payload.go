package tracker

import (
	"fmt"
	"strings"
	"time"

	"github.com/qa-tools/triage-service/internal/domain"
)

const maxSummaryLen = 255

// IssueRequest is the tracker-neutral create-issue request.
type IssueRequest struct {
	ProjectKey  string
	IssueType   string
	Summary     string
	Description string
	Priority    string
	Labels      []string
	draft       domain.Draft
}

// Defaults are the configured issue fields.
type Defaults struct {
	ProjectKey      string
	IssueType       string
	DefaultPriority string
	Labels          []string
}

// Summary is the issue title for a failure.
func Summary(event domain.FailureEvent) string {
	summary := "Test failed: " + event.TestIdentifier()
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	return summary
}

// Description renders the Jira wiki description of a draft.
func Description(d domain.Draft) string {
	var b strings.Builder
	b.WriteString("h2. Test Failure Details\n\n")
	fmt.Fprintf(&b, "*Test:* %s\n", d.TestIdentifier())
	if d.Framework != "" {
		fmt.Fprintf(&b, "*Framework:* %s\n", d.Framework)
	}
	fmt.Fprintf(&b, "*Failure Time:* %s\n", d.OccurredAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "*Project:* %s\n", d.ProjectID)
	if d.ModuleID != "" {
		fmt.Fprintf(&b, "*Module:* %s\n", d.ModuleID)
	}
	fmt.Fprintf(&b, "*Severity:* %s\n", d.Severity)

	b.WriteString("\nh3. Error Message\n{code:java}\n")
	b.WriteString(d.ErrorMessage)
	b.WriteString("\n{code}\n")

	if d.StackTrace != "" {
		b.WriteString("\nh3. Stack Trace\n{code:java}\n")
		b.WriteString(d.StackTrace)
		b.WriteString("\n{code}\n")
	}

	if d.RootCause != "" {
		b.WriteString("\nh3. Suggested Root Cause\n")
		b.WriteString(d.RootCause)
		b.WriteString("\n")
	}

	b.WriteString("\nh3. Auto-Generated Ticket\n")
	fmt.Fprintf(&b, "Fingerprint: %s\n", d.Fingerprint)
	return b.String()
}

// Priority maps a severity to a Jira priority name.
func Priority(s domain.Severity, fallback string) string {
	switch s {
	case domain.SeverityCritical:
		return "Highest"
	case domain.SeverityHigh:
		return "High"
	case domain.SeverityMedium:
		return "Medium"
	case domain.SeverityLow:
		return "Low"
	}
	return fallback
}

// BuildIssueRequest assembles the create request for a draft.
func BuildIssueRequest(d domain.Draft, defaults Defaults) IssueRequest {
	labels := make([]string, 0, len(defaults.Labels)+3)
	seen := map[string]bool{}
	add := func(label string) {
		label = strings.ReplaceAll(strings.TrimSpace(strings.ToLower(label)), " ", "-")
		if label != "" && !seen[label] {
			seen[label] = true
			labels = append(labels, label)
		}
	}
	for _, l := range defaults.Labels {
		add(l)
	}
	add(d.Framework)
	add("severity-" + string(d.Severity))
	add(d.ClusterIDValue())

	summary := d.Summary
	if summary == "" {
		summary = "Test failed: " + d.TestIdentifier()
	}
	description := d.Description
	if description == "" {
		description = Description(d)
	}
	return IssueRequest{
		ProjectKey:  defaults.ProjectKey,
		IssueType:   defaults.IssueType,
		Summary:     summary,
		Description: description,
		Priority:    Priority(d.Severity, defaults.DefaultPriority),
		Labels:      labels,
		draft:       d,
	}
}

// wikiFields is the API v2 fields object.
func (r IssueRequest) wikiFields() map[string]any {
	fields := r.commonFields()
	fields["description"] = r.Description
	return fields
}

// adfFields is the API v3 fields object with an Atlassian document description.
func (r IssueRequest) adfFields() map[string]any {
	fields := r.commonFields()
	fields["description"] = r.adfDescription()
	return fields
}

func (r IssueRequest) commonFields() map[string]any {
	fields := map[string]any{
		"project":   map[string]any{"key": r.ProjectKey},
		"issuetype": map[string]any{"name": r.IssueType},
		"summary":   r.Summary,
		"labels":    r.Labels,
	}
	if r.Priority != "" {
		fields["priority"] = map[string]any{"name": r.Priority}
	}
	return fields
}

func (r IssueRequest) adfDescription() map[string]any {
	d := r.draft
	content := []any{
		adfHeading(2, "Test Failure Details"),
		adfParagraph(fmt.Sprintf("Test: %s", d.TestIdentifier())),
		adfParagraph(fmt.Sprintf("Project: %s  Severity: %s", d.ProjectID, d.Severity)),
		adfParagraph(fmt.Sprintf("Failure Time: %s", d.OccurredAt.UTC().Format(time.RFC3339))),
		adfHeading(3, "Error Message"),
		adfCode(d.ErrorMessage),
	}
	if d.StackTrace != "" {
		content = append(content, adfHeading(3, "Stack Trace"), adfCode(d.StackTrace))
	}
	if d.RootCause != "" {
		content = append(content, adfHeading(3, "Suggested Root Cause"), adfParagraph(d.RootCause))
	}
	return map[string]any{"type": "doc", "version": 1, "content": content}
}

func adfText(text string) []any {
	if text == "" {
		return []any{}
	}
	return []any{map[string]any{"type": "text", "text": text}}
}

func adfHeading(level int, text string) map[string]any {
	return map[string]any{"type": "heading", "attrs": map[string]any{"level": level}, "content": adfText(text)}
}

func adfParagraph(text string) map[string]any {
	return map[string]any{"type": "paragraph", "content": adfText(text)}
}

func adfCode(text string) map[string]any {
	return map[string]any{"type": "codeBlock", "attrs": map[string]any{"language": "java"}, "content": adfText(text)}
}
