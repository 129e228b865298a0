package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"amber-go/internal/amber"
	"amber-go/internal/app"
	"amber-go/internal/fs"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage backup jobs",
}

var jobAddCmd = &cobra.Command{
	Use:   "add NAME SOURCE DESTINATION",
	Short: "Create a job and adopt its destination",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := amber.JobSpec{Name: args[0], SourcePath: args[1], DestinationRoot: args[2]}
		if err := applyJobFlags(cmd, &spec); err != nil {
			return err
		}
		return withApp("JobAdd", func(a *app.AmberApp) error {
			job, err := a.Engine().CreateJob(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Printf("Created job %s (%s)\n", job.Name, job.ID)
			fmt.Printf("  %s -> %s\n", job.SourcePath, job.DestinationRoot)
			return nil
		})
	},
}

var jobEditCmd = &cobra.Command{
	Use:   "edit NAME",
	Short: "Change a job's settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("JobEdit", func(a *app.AmberApp) error {
			job, err := a.Engine().GetJob(args[0])
			if err != nil {
				return err
			}
			spec := amber.JobSpec{
				Name:            job.Name,
				SourcePath:      job.SourcePath,
				DestinationRoot: job.DestinationRoot,
				Schedule:        job.Schedule,
				Excludes:        job.Excludes,
				ExtraFlags:      job.ExtraFlags,
				Retention:       job.Retention,
			}
			if cmd.Flags().Changed("name") {
				spec.Name, _ = cmd.Flags().GetString("name")
			}
			if cmd.Flags().Changed("source") {
				spec.SourcePath, _ = cmd.Flags().GetString("source")
			}
			if cmd.Flags().Changed("dest") {
				spec.DestinationRoot, _ = cmd.Flags().GetString("dest")
			}
			if err := applyJobFlags(cmd, &spec); err != nil {
				return err
			}

			updated, err := a.Engine().UpdateJob(cmd.Context(), job.ID, spec)
			if err != nil {
				return err
			}
			fmt.Printf("Updated job %s\n", updated.Name)
			return nil
		})
	},
}

var jobRmCmd = &cobra.Command{
	Use:   "rm NAME",
	Short: "Delete a job",
	Long: "Delete a job and its snapshot records. Snapshot directories stay on disk\n" +
		"unless --purge is given.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		purge, _ := cmd.Flags().GetBool("purge")
		yes, _ := cmd.Flags().GetBool("yes")

		return withApp("JobRemove", func(a *app.AmberApp) error {
			job, err := a.Engine().GetJob(args[0])
			if err != nil {
				return err
			}
			if purge && !yes && !confirm(fmt.Sprintf("Delete every snapshot under %s?", job.DestinationRoot)) {
				return errors.New("not confirmed (use --yes to skip the prompt)")
			}
			if err := a.Engine().DeleteJob(cmd.Context(), job.ID, purge); err != nil {
				return err
			}
			if purge {
				fmt.Printf("Deleted job %s and purged %s\n", job.Name, job.DestinationRoot)
			} else {
				fmt.Printf("Deleted job %s; snapshots remain in %s\n", job.Name, job.DestinationRoot)
			}
			return nil
		})
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("JobList", func(a *app.AmberApp) error {
			jobs, err := a.Engine().ListJobs()
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs. Create one with 'amber job add'.")
				return nil
			}

			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "NAME\tSCHEDULE\tLAST RUN\tNEXT RUN\tSOURCE\tDESTINATION")
			for _, job := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					job.Name,
					scheduleLabel(job),
					formatTime(job.LastRunAt),
					nextRunLabel(job),
					job.SourcePath,
					job.DestinationRoot,
				)
			}
			return tw.Flush()
		})
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show a job's settings and latest snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("JobShow", func(a *app.AmberApp) error {
			job, err := a.Engine().GetJob(args[0])
			if err != nil {
				return err
			}
			w := os.Stdout
			field(w, "Job", job.Name)
			field(w, "ID", job.ID)
			field(w, "Source", job.SourcePath)
			field(w, "Destination", job.DestinationRoot)
			field(w, "Schedule", scheduleLabel(job))
			field(w, "Next run", nextRunLabel(job))
			field(w, "Last run", formatTime(job.LastRunAt))
			field(w, "Retention", retentionLabel(job.Retention))
			if len(job.Excludes) > 0 {
				field(w, "Excludes", strings.Join(job.Excludes, " "))
			}
			if len(job.ExtraFlags) > 0 {
				field(w, "Extra flags", strings.Join(job.ExtraFlags, " "))
			}

			page, err := a.Engine().ListSnapshots(job.ID, 1, 0)
			if err != nil {
				return err
			}
			field(w, "Snapshots", page.Total)
			if len(page.Snapshots) > 0 {
				s := page.Snapshots[0]
				field(w, "Latest", fmt.Sprintf("%s %s", s.Name, statusLabel(s)))
			}
			return nil
		})
	},
}

func scheduleLabel(job *amber.Job) string {
	if job.Schedule == "" {
		return "manual"
	}
	return job.Schedule
}

func nextRunLabel(job *amber.Job) string {
	next, err := amber.NextRun(job)
	if err != nil {
		return errorStyle.Sprint("invalid schedule")
	}
	return formatTime(next)
}

func retentionLabel(p amber.RetentionPolicy) string {
	var parts []string
	for _, rule := range []struct {
		name string
		n    int
	}{
		{"last", p.KeepLast},
		{"hourly", p.KeepHourly},
		{"daily", p.KeepDaily},
		{"weekly", p.KeepWeekly},
		{"monthly", p.KeepMonthly},
		{"yearly", p.KeepYearly},
	} {
		if rule.n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", rule.name, rule.n))
		}
	}
	if p.PruneFailed {
		parts = append(parts, "prune-failed")
	}
	if len(parts) == 0 {
		return "keep everything"
	}
	return strings.Join(parts, " ")
}

// addJobFlags registers the flags shared by job add and job edit.
func addJobFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("schedule", "", "Cron expression or descriptor such as @daily; empty for manual only")
	f.StringArray("exclude", nil, "Exclude pattern (repeatable); replaces the job's list on edit")
	f.String("exclude-from", "", "File of exclude patterns, one per line, appended to --exclude")
	f.StringArray("flag", nil, "Extra rsync flag (repeatable); replaces the job's list on edit")
	f.Int("keep-last", 0, "Keep the newest N snapshots")
	f.Int("keep-hourly", 0, "Keep the newest snapshot of each of the last N hours")
	f.Int("keep-daily", 0, "Keep the newest snapshot of each of the last N days")
	f.Int("keep-weekly", 0, "Keep the newest snapshot of each of the last N ISO weeks")
	f.Int("keep-monthly", 0, "Keep the newest snapshot of each of the last N months")
	f.Int("keep-yearly", 0, "Keep the newest snapshot of each of the last N years")
	f.Bool("prune-failed", false, "Delete failed snapshots older than the newest complete one")
}

// applyJobFlags copies the flags the user set onto spec.
func applyJobFlags(cmd *cobra.Command, spec *amber.JobSpec) error {
	f := cmd.Flags()
	if f.Changed("schedule") {
		spec.Schedule, _ = f.GetString("schedule")
	}
	if f.Changed("exclude") {
		spec.Excludes, _ = f.GetStringArray("exclude")
	}
	if path, _ := f.GetString("exclude-from"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("exclude file: %w", err)
		}
		patterns, err := fs.ParseExcludeFile(path)
		if err != nil {
			return err
		}
		spec.Excludes = fs.NormalizePatterns(append(spec.Excludes, patterns...))
	}
	if f.Changed("flag") {
		spec.ExtraFlags, _ = f.GetStringArray("flag")
	}

	for name, dst := range map[string]*int{
		"keep-last":    &spec.Retention.KeepLast,
		"keep-hourly":  &spec.Retention.KeepHourly,
		"keep-daily":   &spec.Retention.KeepDaily,
		"keep-weekly":  &spec.Retention.KeepWeekly,
		"keep-monthly": &spec.Retention.KeepMonthly,
		"keep-yearly":  &spec.Retention.KeepYearly,
	} {
		if !f.Changed(name) {
			continue
		}
		n, _ := f.GetInt(name)
		if n < 0 {
			return fmt.Errorf("--%s must not be negative", name)
		}
		*dst = n
	}
	if f.Changed("prune-failed") {
		spec.Retention.PruneFailed, _ = f.GetBool("prune-failed")
	}
	return nil
}

func init() {
	addJobFlags(jobAddCmd)
	addJobFlags(jobEditCmd)
	jobEditCmd.Flags().String("name", "", "New job name")
	jobEditCmd.Flags().String("source", "", "New source directory")
	jobEditCmd.Flags().String("dest", "", "New destination root")
	jobRmCmd.Flags().Bool("purge", false, "Also delete the snapshot directories and the destination marker")
	jobRmCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	jobCmd.AddCommand(jobAddCmd)
	jobCmd.AddCommand(jobEditCmd)
	jobCmd.AddCommand(jobRmCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobShowCmd)
	rootCmd.AddCommand(jobCmd)
}
