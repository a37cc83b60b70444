package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var regroupProject string

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Forget fingerprints older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if triage.Pruner == nil {
			fmt.Println(gray("Fingerprints live in redis and expire on their own"))
			return nil
		}
		n, err := triage.Pruner.Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s %d fingerprints\n", green("Pruned"), n)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Retry approved drafts and re-request pending decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		retried, err := triage.Orchestrator.ResumeApproved(cmd.Context())
		if err != nil {
			return err
		}
		requested, err := triage.Orchestrator.ResumeAwaiting(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s %d approved drafts, %d decisions re-requested\n", green("Retried"), retried, requested)
		return nil
	},
}

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Manage failure clusters",
}

var clustersRegroupCmd = &cobra.Command{
	Use:   "regroup",
	Short: "Recompute cluster membership for drafts without a ticket",
	RunE: func(cmd *cobra.Command, args []string) error {
		if regroupProject == "" {
			return fmt.Errorf("--project is required")
		}
		n, err := triage.Orchestrator.Regroup(cmd.Context(), regroupProject, actor)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d drafts in %s\n", yellow("Reassigned"), n, regroupProject)
		return nil
	},
}

func init() {
	clustersRegroupCmd.Flags().StringVar(&regroupProject, "project", "", "project id")
	clustersCmd.AddCommand(clustersRegroupCmd)
	rootCmd.AddCommand(pruneCmd, sweepCmd, clustersCmd)
}
