package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	projectPath string

	appVersion string
	appCommit  string
	appDate    string
)

var rootCmd = &cobra.Command{
	Use:   "apexd",
	Short: "Local autonomous task orchestrator daemon for AI coding agents",
	Long: `apexd drives AI coding agents through multi-stage software-engineering
workflows on a project checkout. It maintains a durable task queue, admits
tasks according to time-of-day/budget policy, isolates each task's changes
in its own workspace, and tracks usage, checkpoints, and resumption.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion records build-time version info for the version subcommand.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: <project>/.apex/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (auto, text, json, pretty)")
	rootCmd.PersistentFlags().StringVar(&projectPath, "project-path", "",
		"project directory to operate on (default: current directory)")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("project.path", rootCmd.PersistentFlags().Lookup("project-path"))
}

func initConfig() error {
	viper.SetEnvPrefix("APEX")
	viper.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// resolveProjectPath returns the --project-path flag value, falling back to
// the current working directory.
func resolveProjectPath() (string, error) {
	if projectPath != "" {
		return projectPath, nil
	}
	return os.Getwd()
}
