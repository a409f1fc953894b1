package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/agentgate/internal/jobs"
)

// jobCmd represents the job command
var jobCmd = &cobra.Command{
	Use:     "job",
	Aliases: []string{"jobs"},
	Short:   "Manage scheduled HTTP jobs",
	Long: `Scheduled jobs call a URL on a fixed interval. A job that fails
repeatedly is paused automatically and a job.auto_paused event is emitted.`,
}

var createJobCmd = &cobra.Command{
	Use:   "create [url]",
	Short: "Create a scheduled job",
	Long: `Create a scheduled job.

Example:
  agentctl job create https://me.example/tick --interval 300 --method POST --payload '{"ping":true}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetInt("interval")
		method, _ := cmd.Flags().GetString("method")
		owner, _ := cmd.Flags().GetString("owner")
		payloadStr, _ := cmd.Flags().GetString("payload")
		payload, err := parseJSONArg(payloadStr)
		if err != nil {
			return err
		}
		spec := jobs.Spec{Owner: owner, URL: args[0], Method: method, Payload: payload, IntervalSeconds: interval}
		var j jobs.Job
		if err := apiRequest(cmd.Context(), "POST", "/v1/jobs", spec, &j); err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, j)
		}
		printJob(cmd, j)
		return nil
	},
}

var listJobsCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/jobs"
		if owner, _ := cmd.Flags().GetString("owner"); owner != "" {
			path += "?owner=" + url.QueryEscape(owner)
		}
		var resp struct {
			Jobs []jobs.Job `json:"jobs"`
		}
		if err := apiRequest(cmd.Context(), "GET", path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, resp)
		}
		if len(resp.Jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
			return nil
		}
		for _, j := range resp.Jobs {
			state := "active"
			if !j.Active {
				state = "paused"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-16s %-6s %-6s every %ds  runs=%d failures=%d  %s\n",
				j.ID, j.Owner, state, j.Method, j.IntervalSeconds, j.RunCount, j.ConsecutiveFailures, j.URL)
		}
		return nil
	},
}

var getJobCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Show a job and its run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var j jobs.Job
		if err := apiRequest(cmd.Context(), "GET", "/v1/jobs/"+url.PathEscape(args[0]), nil, &j); err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, j)
		}
		printJob(cmd, j)
		for _, r := range j.History {
			printRun(cmd, r)
		}
		return nil
	},
}

var updateJobCmd = &cobra.Command{
	Use:   "update [job-id]",
	Short: "Change a job; --active=true resumes a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var p jobs.Patch
		f := cmd.Flags()
		if f.Changed("url") {
			v, _ := f.GetString("url")
			p.URL = &v
		}
		if f.Changed("method") {
			v, _ := f.GetString("method")
			p.Method = &v
		}
		if f.Changed("payload") {
			v, _ := f.GetString("payload")
			raw, err := parseJSONArg(v)
			if err != nil {
				return err
			}
			if raw == nil {
				return fmt.Errorf("--payload needs a JSON value")
			}
			p.Payload = &raw
		}
		if f.Changed("interval") {
			v, _ := f.GetInt("interval")
			p.IntervalSeconds = &v
		}
		if f.Changed("active") {
			v, _ := f.GetBool("active")
			p.Active = &v
		}
		var j jobs.Job
		if err := apiRequest(cmd.Context(), "PATCH", "/v1/jobs/"+url.PathEscape(args[0]), p, &j); err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, j)
		}
		printJob(cmd, j)
		return nil
	},
}

var deleteJobCmd = &cobra.Command{
	Use:   "delete [job-id]",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(cmd.Context(), "DELETE", "/v1/jobs/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", args[0])
		return nil
	},
}

var runJobCmd = &cobra.Command{
	Use:   "run [job-id]",
	Short: "Run a job now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r jobs.Run
		if err := apiRequest(cmd.Context(), "POST", "/v1/jobs/"+url.PathEscape(args[0])+"/run", nil, &r); err != nil {
			return fmt.Errorf("failed to run job: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, r)
		}
		printRun(cmd, r)
		return nil
	},
}

func printJob(cmd *cobra.Command, j jobs.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job: %s\n", j.ID)
	fmt.Fprintf(out, "  Owner: %s\n", j.Owner)
	fmt.Fprintf(out, "  Target: %s %s\n", j.Method, j.URL)
	fmt.Fprintf(out, "  Interval: %ds\n", j.IntervalSeconds)
	fmt.Fprintf(out, "  Active: %v\n", j.Active)
	fmt.Fprintf(out, "  Runs: %d (consecutive failures %d, last %s)\n", j.RunCount, j.ConsecutiveFailures, formatTime(j.LastRunAt))
}

func printRun(cmd *cobra.Command, r jobs.Run) {
	status := "FAILED"
	if r.Success {
		status = "OK"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "  %s  %-6s http=%d %s %dms\n",
		r.At.Local().Format(timeLayout), status, r.HTTPStatus, r.Reason, r.DurationMS)
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(createJobCmd, listJobsCmd, getJobCmd, updateJobCmd, deleteJobCmd, runJobCmd)

	createJobCmd.Flags().Int("interval", 300, "seconds between runs")
	createJobCmd.Flags().String("method", "POST", "HTTP method")
	createJobCmd.Flags().String("payload", "", "request body as JSON")
	createJobCmd.Flags().String("owner", "", "owner handle (operator only)")
	listJobsCmd.Flags().String("owner", "", "only list jobs of this owner")

	updateJobCmd.Flags().String("url", "", "new target URL")
	updateJobCmd.Flags().String("method", "", "new HTTP method")
	updateJobCmd.Flags().String("payload", "", "new request body as JSON")
	updateJobCmd.Flags().Int("interval", 0, "new interval in seconds")
	updateJobCmd.Flags().Bool("active", true, "resume (true) or pause (false)")
}
