package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"amber-go/internal/amber"
	"amber-go/internal/app"
	"amber-go/internal/config"
)

// Process exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitDestination = 2
	exitCancelled   = 3
	exitConflict    = 4
)

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Sprint("error:"), err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps an error onto the process exit status. A snapshot that
// completed with warnings is not an error and exits 0.
func exitCode(err error) int {
	switch amber.KindOf(err) {
	case amber.KindNone:
		return exitOK
	case amber.KindDestinationUnavailable:
		return exitDestination
	case amber.KindCancelled:
		return exitCancelled
	case amber.KindScheduleConflict:
		return exitConflict
	default:
		return exitError
	}
}

var (
	configPath string
	verbose    bool
)

// resolveConfigPath returns --config, or the default location.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	defaults, err := app.GetDefaults()
	if err != nil {
		return "", fmt.Errorf("getting defaults: %w", err)
	}
	return defaults["config_path"], nil
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.ReadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config (run 'amber config init' first?): %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an AmberApp. The caller must Close it.
// operation identifies the CLI command being run (e.g. "Sync", "Restore").
func newApp(operation string) (*app.AmberApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.NewAmberApp(cfg, operation, app.Options{Verbose: verbose, Stderr: os.Stderr})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// withApp runs fn against a fresh AmberApp and records its outcome.
func withApp(operation string, fn func(a *app.AmberApp) error) error {
	a, err := newApp(operation)
	if err != nil {
		return err
	}
	err = fn(a)
	a.Finish(err)
	if closeErr := a.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

var rootCmd = &cobra.Command{
	Use:           "amber",
	Short:         "Incremental hard-link snapshot backups",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $AMBER_CONFIG_PATH or ~/.config/amber.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Copy log output to stderr")
}
