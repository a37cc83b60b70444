package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qa-tools/triage-service/internal/api/dto"
	"github.com/qa-tools/triage-service/internal/domain"
	"github.com/qa-tools/triage-service/internal/orchestrator"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.json>",
	Short: "Triage failure events from a JSON file",
	Long:  `Reads one failure event object or an array of them and runs each through the pipeline.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, err := readEvents(args[0])
		if err != nil {
			return err
		}
		results, err := triage.Orchestrator.HandleBatch(cmd.Context(), batch)
		if err != nil {
			return err
		}

		fmt.Printf("\n%s\n\n", cyan(fmt.Sprintf("=== Triaged %d events ===", len(results))))
		failed := 0
		for i, r := range results {
			label := batch[i].TestName
			switch {
			case r.Err != nil:
				failed++
				fmt.Printf("  %s %s: %v\n", red("✗"), label, r.Err)
			case r.Outcome == orchestrator.OutcomeDuplicate:
				fmt.Printf("  %s %s duplicate of %s\n", gray("○"), label, r.DuplicateOf)
			case r.Outcome == orchestrator.OutcomeCreated:
				fmt.Printf("  %s %s filed as %s\n", green("●"), label, r.Draft.ExternalRef.Key)
			default:
				fmt.Printf("  %s %s %s (%s)\n", yellow("●"), label, r.Outcome, r.Draft.ID)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d events failed", failed, len(results))
		}
		return nil
	},
}

func readEvents(path string) ([]domain.FailureEvent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reqs []dto.FailureEventRequest
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else {
		var one dto.FailureEventRequest
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		reqs = append(reqs, one)
	}

	out := make([]domain.FailureEvent, len(reqs))
	for i := range reqs {
		out[i] = reqs[i].ToDomain()
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
