package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/frahmantamala/credit-recovery/internal"
	"github.com/frahmantamala/credit-recovery/pkg/logger"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitPrerequisite = 2
	ExitUnresolved   = 3
	ExitTerminal     = 4
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "credit-recovery",
	Short: "AI credit payment recovery",
	Long: `Reconciles paid-but-uncredited AI credit purchases against the payment gateway.
Run from the service directory so config.yml is found, or set APP_ENV=production to read the environment.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitFailure
}

func Execute() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return exitCode(err)
}

func loadConfig(path string) (*internal.Config, error) {
	if os.Getenv("APP_ENV") == "production" || os.Getenv("DOCKER_ENV") == "true" {
		cfg := internal.LoadConfigFromEnv()
		if err := cfg.Validate(); err != nil {
			return nil, withExitCode(ExitPrerequisite, fmt.Errorf("error validating config from environment: %w", err))
		}
		return cfg, nil
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.SetEnvPrefix("ENV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, withExitCode(ExitPrerequisite, fmt.Errorf("config.yml not found in %s; run from the service directory", path))
		}
		return nil, withExitCode(ExitPrerequisite, fmt.Errorf("error reading config: %w", err))
	}

	var cfg internal.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, withExitCode(ExitPrerequisite, fmt.Errorf("error unmarshaling config: %w", err))
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, withExitCode(ExitPrerequisite, fmt.Errorf("invalid config: %w", err))
	}

	return &cfg, nil
}

// setupLogging installs the process logger. Long-running commands log to stdout,
// one-shot commands to stderr.
func setupLogging(cfg *internal.Config, console io.Writer) (io.Closer, error) {
	closer, err := logger.Setup(logger.Options{
		Level:   cfg.Observability.Logging.Level,
		Format:  cfg.Observability.Logging.Format,
		File:    cfg.Observability.Logging.File,
		Console: console,
	})
	if err != nil {
		return nil, withExitCode(ExitPrerequisite, err)
	}
	return closer, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config-dir", ".", "directory containing config.yml")

	rootCmd.AddCommand(httpServerCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(tokenCmd)
}
