package dto

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/qa-tools/triage-service/internal/domain"
)

// DraftCSVHeader is the column order of WriteDraftsCSV.
var DraftCSVHeader = []string{
	"id", "project_id", "test", "error_message", "status", "severity",
	"approval", "cluster_id", "submit_attempts", "ticket_key", "ticket_url",
	"created_at", "updated_at",
}

// WriteDraftsCSV writes one header row and one row per draft.
func WriteDraftsCSV(w io.Writer, drafts []domain.Draft) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(DraftCSVHeader); err != nil {
		return err
	}
	for _, d := range drafts {
		var key, url string
		if d.ExternalRef != nil {
			key, url = d.ExternalRef.Key, d.ExternalRef.URL
		}
		row := []string{
			d.ID,
			d.ProjectID,
			d.TestIdentifier(),
			d.ErrorMessage,
			string(d.Status),
			string(d.Severity),
			string(d.Approval),
			d.ClusterIDValue(),
			strconv.Itoa(d.SubmitAttempts),
			key,
			url,
			d.CreatedAt.UTC().Format(time.RFC3339),
			d.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
