package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qa-tools/triage-service/internal/api/dto"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/repository"
)

var (
	listProject  string
	listStatus   string
	listSeverity string
	listLimit    int
	exportFormat string
	exportLimit  int
	exportOut    string
)

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "Inspect and act on ticket drafts",
}

var draftsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drafts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := draftFilter(listLimit)
		if err != nil {
			return err
		}
		filter.NewestFirst = true

		drafts, err := triage.Store.Query(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(drafts) == 0 {
			fmt.Println(gray("No drafts"))
			return nil
		}
		for _, d := range drafts {
			printDraft(d)
		}
		return nil
	},
}

var draftsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write drafts as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportFormat != "csv" {
			return fmt.Errorf("unsupported format %q", exportFormat)
		}
		filter, err := draftFilter(exportLimit)
		if err != nil {
			return err
		}
		drafts, err := triage.Store.Query(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if exportOut == "" || exportOut == "-" {
			return dto.WriteDraftsCSV(os.Stdout, drafts)
		}
		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		if err := dto.WriteDraftsCSV(f, drafts); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s %d drafts to %s\n", green("Exported"), len(drafts), exportOut)
		return nil
	},
}

func draftFilter(limit int) (repository.DraftFilter, error) {
	filter := repository.DraftFilter{Limit: limit}
	if listProject != "" {
		filter.ProjectID = &listProject
	}
	if listStatus != "" {
		filter.Statuses = []domain.DraftStatus{domain.DraftStatus(listStatus)}
	}
	if listSeverity != "" {
		sev, ok := domain.ParseSeverity(listSeverity)
		if !ok {
			return filter, fmt.Errorf("unknown severity %q", listSeverity)
		}
		filter.Severities = []domain.Severity{sev}
	}
	return filter, nil
}

var draftsReopenCmd = &cobra.Command{
	Use:   "reopen <draft-id>",
	Short: "Move an ignored draft back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := triage.Orchestrator.Reopen(cmd.Context(), args[0], actor)
		if err != nil {
			return err
		}
		printDraft(*d)
		return nil
	},
}

var draftsSubmitCmd = &cobra.Command{
	Use:   "submit <draft-id>",
	Short: "Create the external ticket for a pending draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := triage.Orchestrator.Resubmit(cmd.Context(), args[0], actor)
		if d != nil {
			printDraft(*d)
		}
		return err
	},
}

func init() {
	draftsListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum drafts to show")
	draftsExportCmd.Flags().IntVar(&exportLimit, "limit", 10000, "maximum drafts to export")
	draftsExportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format")
	draftsExportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "output file, stdout when empty")
	for _, c := range []*cobra.Command{draftsListCmd, draftsExportCmd} {
		c.Flags().StringVar(&listProject, "project", "", "project id")
		c.Flags().StringVar(&listStatus, "status", "", "pending, created or ignored")
		c.Flags().StringVar(&listSeverity, "severity", "", "Critical, High, Medium or Low")
	}

	draftsCmd.AddCommand(draftsListCmd, draftsExportCmd, draftsReopenCmd, draftsSubmitCmd)
	rootCmd.AddCommand(draftsCmd)
}
