package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var otpCmd = &cobra.Command{
	Use:   "otp",
	Short: "Show the collector dashboard URL with its access token",
	Long: `Show the dashboard URL of a running collector (for when you've
scrolled past the startup message).

Example:
  studykit otp --url https://collect.example.org`,
	RunE: runOTP,
}

var serverURL string

func init() {
	otpCmd.Flags().StringVar(&serverURL, "url", getEnvOrDefault("STUDYKIT_SERVER_URL", "http://localhost:8080"), "public collector URL")
	rootCmd.AddCommand(otpCmd)
}

func runOTP(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(getTokenFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no collector running (token file not found)\nStart it with: studykit serve")
		}
		return fmt.Errorf("failed to read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file is empty. Restart the collector with: studykit serve")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Dashboard: %s/dashboard?token=%s\n", strings.TrimRight(serverURL, "/"), token)
	return nil
}

// getTokenFilePath returns the path to the token file
func getTokenFilePath() string {
	// Store token file alongside the database
	return filepath.Join(filepath.Dir(dbPath), ".studykit-token")
}
