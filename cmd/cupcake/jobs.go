package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cupcake/internal/jobs"
)

var (
	jobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "List, create and delete backup jobs",
	}

	jobsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List jobs with their counters",
		Args:  cobra.NoArgs,
		RunE:  listJobs,
	}

	jobsCreateCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Create or replace a job",
		Args:  cobra.ExactArgs(1),
		RunE:  createJob,
	}

	jobsDeleteCmd = &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a job and its log files",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteJob,
	}

	jobsLogsCmd = &cobra.Command{
		Use:   "logs <name> [num]",
		Short: "List log files of a job, or print one of them",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  jobLogs,
	}

	newJob   jobs.Record
	noDelete bool
)

func init() {
	f := jobsCreateCmd.Flags()
	f.StringVar(&newJob.Schedule, "schedule", "", "five-field cron schedule (required)")
	f.StringVar(&newJob.Source, "source", "", "local directory to back up")
	f.StringVar(&newJob.Destination, "destination", "", "S3 destination URL")
	f.StringVar(&newJob.Profile, "profile", "", "AWS profile name")
	f.StringVar(&newJob.StorageClass, "storage-class", "", "S3 storage class")
	f.IntVar(&newJob.LogRetention, "log-retention", jobs.DefaultLogRetention, "rotated log files to keep")
	f.BoolVar(&noDelete, "no-delete", false, "keep objects deleted from the source")
	_ = jobsCreateCmd.MarkFlagRequired("schedule")

	jobsCmd.AddCommand(jobsListCmd, jobsCreateCmd, jobsDeleteCmd, jobsLogsCmd)
}

func listJobs(cmd *cobra.Command, args []string) error {
	s, err := jobStore(cmd)
	if err != nil {
		return err
	}
	list, err := s.List(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outputJSON {
		return printJSON(out, list)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSCHEDULE\tSOURCE\tDESTINATION\tPROFILE\tUPLOADED\tDELETED\tLAST RUN\tNEXT RUN")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.Name, e.Schedule, e.Source, e.Destination, e.Profile,
			e.Uploaded, e.Deleted, unixTime(e.LastRun), unixTime(e.NextRun))
	}
	return tw.Flush()
}

func createJob(cmd *cobra.Command, args []string) error {
	s, err := jobStore(cmd)
	if err != nil {
		return err
	}
	r := newJob
	r.Name = args[0]
	r.DeleteExtraneous = !noDelete
	if err := s.Create(cmd.Context(), r); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Job added successfully")
	return nil
}

func deleteJob(cmd *cobra.Command, args []string) error {
	s, err := jobStore(cmd)
	if err != nil {
		return err
	}
	if err := s.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Job deleted successfully")
	return nil
}

func jobLogs(cmd *cobra.Command, args []string) error {
	s, err := jobStore(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	if err := jobs.ValidateName(name); err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		ll, err := s.ListLogs(cmd.Context(), name)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(out, ll)
		}
		for _, l := range ll.Logs {
			fmt.Fprintln(out, l)
		}
		return nil
	}

	num, err := strconv.Atoi(args[1])
	if err != nil || num < 0 {
		return fmt.Errorf("invalid log number %q", args[1])
	}
	path, err := s.LogPath(name, num)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(out, f)
	return err
}

func unixTime(sec int64) string {
	if sec <= 0 {
		return "-"
	}
	return time.Unix(sec, 0).Local().Format("2006-01-02 15:04")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
