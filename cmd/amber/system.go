package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"amber-go/internal/app"
	"amber-go/internal/config"
)

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(path, cfg); err != nil {
			return err
		}

		fmt.Printf("Configuration initialized at %s\n", path)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println(dimStyle.Sprintf("# %s", path))
		m := &config.Manager{}
		return m.Write(os.Stdout, cfg)
	},
}

// dest command
var destCmd = &cobra.Command{
	Use:   "dest",
	Short: "Inspect backup destinations",
}

var destShowCmd = &cobra.Command{
	Use:   "show JOB",
	Short: "Check a job's destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp("DestShow", func(a *app.AmberApp) error {
			info, err := a.Destination(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := os.Stdout
			field(w, "Job", info.Job.Name)
			field(w, "Root", info.Job.DestinationRoot)
			if info.GuardErr != nil {
				field(w, "State", errorStyle.Sprint(info.GuardErr.Error()))
			} else {
				field(w, "State", okStyle.Sprint("ready"))
			}
			if m := info.Marker; m != nil {
				field(w, "Marker", fmt.Sprintf("%s (job %s, v%d)", m.ID, m.JobName, m.Version))
				field(w, "Adopted", formatTime(m.CreatedAt))
			} else {
				field(w, "Marker", dimStyle.Sprint("none"))
			}
			if u := info.Usage; u != nil {
				field(w, "Free space", fmt.Sprintf("%s of %s", formatBytes(int64(u.Available)), formatBytes(int64(u.Total))))
			}
			if version, err := a.RsyncVersion(cmd.Context()); err == nil {
				field(w, "Sync tool", version)
			} else {
				field(w, "Sync tool", errorStyle.Sprint(err.Error()))
			}
			return info.GuardErr
		})
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled jobs until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withApp("Daemon", func(a *app.AmberApp) error {
			version, err := a.RsyncVersion(ctx)
			if err != nil {
				return fmt.Errorf("checking sync tool: %w", err)
			}
			fmt.Printf("Scheduler running with %s; press Ctrl-C to stop\n", version)

			err = a.Daemon(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Maintain the metadata database",
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := app.DatabaseStatus(cfg)
		if err != nil {
			return err
		}
		state := okStyle.Sprint("up to date")
		switch {
		case st.Dirty:
			state = errorStyle.Sprint("dirty: a migration failed part way")
		case !st.UpToDate():
			state = warnStyle.Sprint("migration needed: run 'amber db migrate'")
		}
		fmt.Printf("Schema version %d of %d (%s)\n", st.Current, st.Latest, state)
		return nil
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		before, after, err := app.MigrateDatabase(cfg)
		if err != nil {
			return err
		}
		if before.Current == after.Current {
			fmt.Printf("Schema already at version %d\n", after.Current)
			return nil
		}
		fmt.Printf("Migrated schema from version %d to %d\n", before.Current, after.Current)
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup PATH",
	Short: "Write a consistent copy of the database",
	Long:  "Write a consistent copy of the database to PATH. A .gz or .zst suffix\ncompresses the copy.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := app.BackupDatabase(cfg, args[0]); err != nil {
			return err
		}
		fmt.Printf("Database written to %s\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	destCmd.AddCommand(destShowCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbBackupCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(destCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dbCmd)
}
