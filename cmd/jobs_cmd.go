package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/jobrunner/internal/cron"
	"github.com/nextlevelbuilder/jobrunner/internal/store"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(jobsListCmd())
	cmd.AddCommand(jobsAddCmd())
	cmd.AddCommand(jobsRmCmd())
	cmd.AddCommand(jobsToggleCmd())
	return cmd
}

func jobsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all jobs with their last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			jobs, err := s.ListJobSummaries()
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tTYPE\tENABLED\tLAST STATUS\tLAST RUN")
			for _, j := range jobs {
				lastStatus, lastRun := "-", "-"
				if j.LastStatus != nil {
					lastStatus = *j.LastStatus
				}
				if j.LastRunAt != nil {
					lastRun = time.UnixMilli(*j.LastRunAt).Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					j.ID, j.Name, j.Schedule, j.Type, j.Enabled, lastStatus, lastRun)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func jobsAddCmd() *cobra.Command {
	var (
		name          string
		jobType       string
		timeoutMS     int64
		overlapPolicy string
		disabled      bool
	)
	cmd := &cobra.Command{
		Use:   "add [id] [schedule] [script]",
		Short: "Add a job (5- or 6-field cron schedule)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cron.ValidateSchedule(args[1]); err != nil {
				return err
			}

			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			job := store.Job{
				ID:            args[0],
				Name:          name,
				Schedule:      args[1],
				Script:        args[2],
				Type:          jobType,
				Enabled:       !disabled,
				OverlapPolicy: overlapPolicy,
			}
			if job.Name == "" {
				job.Name = job.ID
			}
			if timeoutMS > 0 {
				job.TimeoutMS = &timeoutMS
			}

			created, err := s.CreateJob(job)
			if err != nil {
				return err
			}
			fmt.Printf("Added job %s (%s)\n", created.ID, created.Schedule)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to id)")
	cmd.Flags().StringVar(&jobType, "type", store.JobTypeScript, "job type: script or session")
	cmd.Flags().Int64Var(&timeoutMS, "timeout-ms", 0, "per-run timeout in milliseconds")
	cmd.Flags().StringVar(&overlapPolicy, "overlap", store.OverlapSkip, "overlap policy: skip, queue, or allow")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the job disabled")
	return cmd
}

func jobsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [id]",
		Short: "Delete a job and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DeleteJob(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted job %s\n", args[0])
			return nil
		},
	}
}

func jobsToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle [id] [true|false]",
		Short: "Enable or disable a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := args[1] == "true" || args[1] == "1" || args[1] == "on"

			s, _, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.SetJobEnabled(args[0], enabled); err != nil {
				return err
			}
			fmt.Printf("Job %s enabled=%t\n", args[0], enabled)
			return nil
		},
	}
}
