package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath     string
	dataDir    string
	configPath string
	logMode    string
)

var rootCmd = &cobra.Command{
	Use:   "studykit",
	Short: "studykit - run research studies on this device",
	Long: `studykit tracks participation in research studies: consent, study
lifecycle, survey prompts, a local event log per participant and its
periodic upload to a collection server.

Studies are described in a YAML file (--config). Running without a
subcommand shows the status of every configured study.`,
	SilenceUsage: true,
	RunE:         runStatus,
}

// ExecuteContext runs the CLI with ctx available to every command.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("STUDYKIT_DB", "./studykit.db"), "database path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", getEnvOrDefault("STUDYKIT_DATA_DIR", "./studykit-data"), "directory for event documents")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnvOrDefault("STUDYKIT_CONFIG", "./studies.yaml"), "study definition file")
	rootCmd.PersistentFlags().StringVar(&logMode, "log", getEnvOrDefault("STUDYKIT_LOG", "quiet"), "log mode (quiet, dev or prod)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
