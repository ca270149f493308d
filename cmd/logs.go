package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/internal/logtail"
)

var (
	logsFile       string
	logsLines      int
	logsPattern    string
	logsErrorsOnly bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent credit verification failures from the service log",
	Long: `Print the last matching lines of the service log file. The default pattern matches
credit verification and reconcile failures; --pattern overrides it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, pattern, err := resolveLogSource()
		if err != nil {
			return err
		}

		filter, err := logtail.NewFilter(pattern, logsErrorsOnly)
		if err != nil {
			return err
		}

		lines, err := logtail.Tail(path, filter, logsLines)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return withExitCode(ExitPrerequisite, fmt.Errorf("log file %s does not exist", path))
			}
			return withExitCode(ExitPrerequisite, err)
		}

		out := cmd.OutOrStdout()
		if len(lines) == 0 {
			fprintf(out, "no lines matching %q in %s\n", pattern, path)
			return nil
		}
		for _, line := range lines {
			fprintf(out, "%s\n", line)
		}
		return nil
	},
}

// resolveLogSource prefers flags and falls back to the logging section of config.yml.
func resolveLogSource() (string, string, error) {
	path, pattern := logsFile, logsPattern
	if path == "" || pattern == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			if path == "" {
				return "", "", err
			}
		} else {
			if path == "" {
				path = cfg.Observability.Logging.File
			}
			if pattern == "" {
				pattern = cfg.Observability.Logging.ErrorPattern
			}
		}
	}
	if path == "" {
		return "", "", withExitCode(ExitPrerequisite, errors.New("no log file configured; set observability.logging.file or pass --file"))
	}
	if pattern == "" {
		pattern = internal.DefaultErrorPattern
	}
	return path, pattern, nil
}

func init() {
	logsCmd.Flags().StringVarP(&logsFile, "file", "f", "", "log file to read (defaults to observability.logging.file)")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of matching lines to show")
	logsCmd.Flags().StringVar(&logsPattern, "pattern", "", "regular expression to match (defaults to observability.logging.error_pattern)")
	logsCmd.Flags().BoolVar(&logsErrorsOnly, "errors-only", false, "only show ERROR level lines")
}
