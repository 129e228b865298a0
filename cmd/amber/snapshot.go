package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"amber-go/internal/amber"
	"amber-go/internal/app"
)

var syncCmd = &cobra.Command{
	Use:   "sync JOB",
	Short: "Take a snapshot now",
	Long: "Take a snapshot of JOB now and wait for it. Interrupting the command\n" +
		"cancels the run and records the snapshot as failed.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if detach, _ := cmd.Flags().GetBool("detach"); detach {
			pid, err := spawnDetached(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Started sync of %s in the background (pid %d)\n", args[0], pid)
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withApp("Sync", func(a *app.AmberApp) error {
			progress := newProgressPrinter(os.Stdout)
			result, err := a.Sync(ctx, args[0], progress.handle)
			progress.clear()
			if result != nil && result.Snapshot != nil {
				printRunSummary(result.Snapshot)
			}
			return err
		})
	},
}

func printRunSummary(s *amber.Snapshot) {
	switch {
	case s.Status == amber.StatusFailed:
		fmt.Printf("Snapshot %s %s: %s\n", s.Name, statusLabel(s), s.ErrorMessage)
		return
	case s.HasWarnings():
		fmt.Printf("Snapshot %s %s with %d failed path(s); see 'amber stats'\n", s.Name, statusLabel(s), len(s.FailedPaths))
	default:
		fmt.Printf("Snapshot %s %s\n", s.Name, statusLabel(s))
	}
	fmt.Printf("  %s transferred in %d file(s), %s total\n",
		formatBytes(s.Stats.BytesSent), s.Stats.FilesChanged, formatBytes(s.Stats.TotalSize))
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots JOB",
	Short: "List a job's snapshots, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		return withApp("Snapshots", func(a *app.AmberApp) error {
			page, err := a.Engine().ListSnapshots(args[0], limit, offset)
			if err != nil {
				return err
			}
			if page.Total == 0 {
				fmt.Println("No snapshots.")
				return nil
			}

			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "NAME\tSTATUS\tSENT\tSIZE\tFILES\tDURATION\tNOTE")
			for _, s := range page.Snapshots {
				note := ""
				switch {
				case s.HasWarnings():
					note = fmt.Sprintf("%d failed path(s)", len(s.FailedPaths))
				case s.Status == amber.StatusFailed:
					note = string(s.ErrorKind)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					s.Name,
					statusLabel(s),
					formatBytes(s.Stats.BytesSent),
					formatBytes(s.Stats.TotalSize),
					s.Stats.FilesTotal,
					formatDuration(s),
					note,
				)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if page.HasMore() {
				next := page.Page.Offset + len(page.Snapshots)
				fmt.Println(dimStyle.Sprintf("Showing %d-%d of %d; next page: --offset %d",
					page.Page.Offset+1, next, page.Total, next))
			}
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats SNAPSHOT",
	Short: "Show a snapshot's details",
	Long:  "Show a snapshot's details. SNAPSHOT is an ID or JOB/NAME.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("Stats", func(a *app.AmberApp) error {
			snap, job, err := findSnapshot(a, args[0])
			if err != nil {
				return err
			}
			printSnapshot(os.Stdout, job, snap)
			return nil
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls SNAPSHOT [PATH]",
	Short: "List a directory inside a snapshot",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		after, _ := cmd.Flags().GetString("after")

		return withApp("ListTree", func(a *app.AmberApp) error {
			snap, _, err := findSnapshot(a, args[0])
			if err != nil {
				return err
			}
			rel := ""
			if len(args) == 2 {
				rel = args[1]
			}
			page, err := a.Engine().ListTree(snap.ID, rel, after, limit)
			if err != nil {
				return err
			}

			tw := newTable(os.Stdout)
			for _, e := range page.Entries {
				name := e.Name
				switch e.Type {
				case amber.EntryDir:
					name += "/"
				case amber.EntrySymlink:
					name += " -> " + e.LinkTarget
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", e.Mode, e.Links, formatBytes(e.Size), formatTime(e.ModTime), name)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if page.Next != "" {
				fmt.Println(dimStyle.Sprintf("More entries; continue with --after %q", page.Next))
			}
			return nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore SNAPSHOT PATH TARGET",
	Short: "Copy a file or directory out of a snapshot",
	Long: "Copy PATH from SNAPSHOT into the directory TARGET. Use \".\" as PATH\n" +
		"to restore the whole snapshot. Existing files are left alone unless\n" +
		"--overwrite is given.",
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		return withApp("Restore", func(a *app.AmberApp) error {
			snap, _, err := findSnapshot(a, args[0])
			if err != nil {
				return err
			}
			rel := args[1]
			if rel == "." || rel == "/" {
				rel = ""
			}
			result, err := a.Engine().Restore(cmd.Context(), amber.RestoreRequest{
				SnapshotID: snap.ID,
				Path:       rel,
				Target:     args[2],
				DryRun:     dryRun,
				Overwrite:  overwrite,
			})
			if err != nil {
				return err
			}

			if result.DryRun {
				for _, item := range result.Items {
					marker := " "
					if item.Exists {
						marker = warnStyle.Sprint("!")
					}
					fmt.Printf("%s %s %s\n", marker, item.Mode, filepath.Join(result.Destination, item.Rel))
				}
				fmt.Printf("Would restore %d item(s), %s, to %s\n", len(result.Items), formatBytes(result.Bytes), result.Destination)
				return nil
			}
			fmt.Printf("Restored %d file(s), %s, to %s\n", result.Files, formatBytes(result.Bytes), result.Destination)
			for _, p := range result.Skipped {
				fmt.Printf("  %s %s\n", warnStyle.Sprint("skipped special file"), p)
			}
			return nil
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune JOB",
	Short: "Apply the job's retention policy now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		return withApp("Prune", func(a *app.AmberApp) error {
			result, err := a.Engine().Prune(cmd.Context(), args[0], dryRun)
			if result != nil {
				verb := "Deleted"
				if result.DryRun {
					verb = "Would delete"
				}
				for _, s := range result.Deleted {
					fmt.Printf("%s %s (%s)\n", verb, s.Name, s.Status)
				}
				for _, s := range result.Skipped {
					fmt.Printf("Kept %s: a run links against it\n", s.Name)
				}
				if len(result.Deleted) == 0 {
					fmt.Println("Nothing to prune.")
				}
			}
			return err
		})
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair JOB",
	Short: "Rebuild snapshot records from the destination",
	Long: "Reconcile JOB's snapshot records with the snapshot directories on its\n" +
		"destination: unrecorded directories are imported as complete and\n" +
		"records whose directory is gone are dropped.\n\n" +
		"Directories that still have a record keep it, so a run that crashed\n" +
		"stays failed. A directory with no record is trusted as complete: after\n" +
		"losing the database, delete an interrupted run's directory before\n" +
		"repairing.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("Repair", func(a *app.AmberApp) error {
			result, err := a.Engine().Rebuild(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, name := range result.Imported {
				fmt.Printf("Imported %s\n", name)
			}
			for _, name := range result.Dropped {
				fmt.Printf("Dropped  %s\n", name)
			}
			fmt.Printf("Repair complete: %d imported, %d dropped\n", len(result.Imported), len(result.Dropped))
			return nil
		})
	},
}

// findSnapshot resolves an ID or JOB/NAME reference along with its job.
func findSnapshot(a *app.AmberApp, ref string) (*amber.Snapshot, *amber.Job, error) {
	snap, err := a.Engine().GetSnapshot(ref)
	if err != nil {
		return nil, nil, err
	}
	job, err := a.Engine().GetJob(snap.JobID)
	if err != nil {
		return nil, nil, err
	}
	return snap, job, nil
}

func init() {
	syncCmd.Flags().Bool("detach", false, "Run in a background process and return immediately")
	snapshotsCmd.Flags().IntP("limit", "n", 20, "Maximum number of snapshots to show")
	snapshotsCmd.Flags().Int("offset", 0, "Number of newer snapshots to skip")
	lsCmd.Flags().IntP("limit", "n", 0, "Maximum number of entries (default 1000)")
	lsCmd.Flags().String("after", "", "List entries after this name")
	restoreCmd.Flags().Bool("dry-run", false, "Show what would be restored")
	restoreCmd.Flags().Bool("overwrite", false, "Replace existing files in TARGET")
	pruneCmd.Flags().Bool("dry-run", false, "Show what would be deleted")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(repairCmd)
}
