package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/overhage/taxis/internal/model"
	"github.com/overhage/taxis/internal/store"
)

var (
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect classification jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initAdmin(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Store.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(jobsStatus),
			Limit:  jobsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROCESSED\tTOTAL\tRECLAIMS\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
				j.ID, j.Status, j.RowsProcessed, formatTotal(j.RowsTotal), j.ReclaimCount,
				j.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

// jobDetail is printed by jobs show.
type jobDetail struct {
	Job     *model.Job `json:"job"`
	Objects []string   `json:"objects"`
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job and its stored objects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initAdmin(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Store.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		objects, err := env.Blobs.List(ctx, "jobs/"+job.ID+"/")
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobDetail{Job: job, Objects: objects})
	},
}

func formatTotal(total *int) string {
	if total == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *total)
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (queued, running, completed, failed)")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum jobs to list")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}
