package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/qa-tools/triage-service/internal/domain"
)

var (
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func severityColor(s domain.Severity) func(a ...interface{}) string {
	switch s {
	case domain.SeverityCritical, domain.SeverityHigh:
		return red
	case domain.SeverityMedium:
		return yellow
	}
	return gray
}

func statusColor(s domain.DraftStatus) func(a ...interface{}) string {
	switch s {
	case domain.DraftStatusCreated:
		return green
	case domain.DraftStatusPending:
		return yellow
	}
	return gray
}

func printDraft(d domain.Draft) {
	ref := gray("-")
	if d.ExternalRef != nil {
		ref = green(d.ExternalRef.Key)
	}
	fmt.Printf("%s  %-8s %-9s %-9s %s  %s\n",
		d.ID,
		severityColor(d.Severity)(string(d.Severity)),
		statusColor(d.Status)(string(d.Status)),
		string(d.Approval),
		ref,
		d.Summary,
	)
}
