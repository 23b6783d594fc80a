package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"model-run-scheduler/internal/config"
	"model-run-scheduler/internal/models"
	"model-run-scheduler/internal/snapshot"
	"model-run-scheduler/internal/store"
)

type options struct {
	snapshotPath string
	server       string
	timeout      time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Config{SnapshotPath: "data/job_status.json", HTTPPort: "3000", Retention: 24 * time.Hour}
	}

	root := &cobra.Command{
		Use:          "runctl",
		Short:        "Inspect and maintain the model run scheduler",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.snapshotPath, "snapshot", cfg.SnapshotPath, "snapshot file")
	root.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:"+cfg.HTTPPort, "scheduler API base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "API request timeout")

	root.AddCommand(
		newSnapshotCmd(opts, cfg.Retention),
		newStatusCmd(opts),
		newJobsCmd(opts),
	)
	return root
}

func newSnapshotCmd(opts *options, retention time.Duration) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Work with the persisted job snapshot",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Summarize the snapshot file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := snapshot.Load(opts.snapshotPath)
			if err != nil {
				return err
			}
			return printSnapshot(cmd.OutOrStdout(), snap)
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Drop completed jobs older than the retention window (stop the service first)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			removed, err := pruneFile(opts.snapshotPath, retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d completed jobs\n", removed)
			return nil
		},
	}
	prune.Flags().DurationVar(&retention, "retention", retention, "keep completed jobs newer than this")

	cmd.AddCommand(show, prune)
	return cmd
}

func printSnapshot(w io.Writer, snap store.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "queued:\t%d\nactive:\t%d\ncompleted:\t%d\n\n", len(snap.Queued), len(snap.Active), len(snap.Completed))
	fmt.Fprintln(tw, "ID\tSTATUS\tCOMPLETED\tERROR")
	for _, j := range snap.Completed {
		completed := "-"
		if j.CompletedAt != nil {
			completed = j.CompletedAt.Format(time.RFC3339)
		}
		errMsg := ""
		if j.Results != nil {
			errMsg = j.Results.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.Status, completed, errMsg)
	}
	return tw.Flush()
}

// pruneFile rewrites the snapshot without expired completed jobs. Queued and
// active entries are carried over untouched.
func pruneFile(path string, retention time.Duration) (int, error) {
	snap, err := snapshot.Load(path)
	if err != nil {
		return 0, err
	}
	reg := store.NewRegistry()
	reg.Restore(snap.Completed)
	removed := reg.Prune(retention)

	out := reg.ListAll()
	out.Queued, out.Active = snap.Queued, snap.Active
	if err := snapshot.Write(path, out); err != nil {
		return 0, err
	}
	return removed, nil
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view models.JobView
			if err := getJSON(cmd.Context(), opts, "/jobs/"+url.PathEscape(args[0]), &view); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
}

type jobsResponse struct {
	QueueLength       int            `json:"queue_length"`
	ActiveJobs        int            `json:"active_jobs"`
	RecentlyCompleted int            `json:"recently_completed"`
	Jobs              models.JobList `json:"jobs"`
}

func newJobsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List queued, running and recently completed jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp jobsResponse
			if err := getJSON(cmd.Context(), opts, "/jobs", &resp); err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), resp.Jobs)
		},
	}
}

func printJobs(w io.Writer, list models.JobList) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPOSITION\tELAPSED")
	rows := make([]models.JobView, 0, len(list.Queued)+len(list.Active)+len(list.Completed))
	rows = append(rows, list.Queued...)
	rows = append(rows, list.Active...)
	rows = append(rows, list.Completed...)
	for _, v := range rows {
		pos, elapsed := "-", "-"
		if v.QueuePosition > 0 {
			pos = fmt.Sprint(v.QueuePosition)
		}
		if v.ElapsedMS != nil {
			elapsed = (time.Duration(*v.ElapsedMS) * time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Status, pos, elapsed)
	}
	return tw.Flush()
}

func getJSON(ctx context.Context, opts *options, path string, dst any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(opts.server, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query scheduler: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("scheduler returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
