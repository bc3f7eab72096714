package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openresearch/studykit/internal/collector"
	"github.com/openresearch/studykit/internal/logger"
	"github.com/openresearch/studykit/internal/store"
)

func init() {
	rootCmd.AddCommand(newServeCmd())
}

func newServeCmd() *cobra.Command {
	var (
		port    int
		apiKeys []string
		quiet   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a collection server for uploads",
		Long: `Run the collection server studies upload their event logs to.

The server provides:
  - Upload endpoint at /upload (multipart: api_key, user_key, file)
  - Stored documents at /uploads/<user_key> (token protected)
  - Dashboard listing participants
  - Health check endpoint

API keys come from --api-key or STUDYKIT_API_KEYS (comma separated).

Example:
  studykit serve --port 8080 --api-key secret`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(apiKeys) == 0 {
				if env := os.Getenv("STUDYKIT_API_KEYS"); env != "" {
					apiKeys = strings.Split(env, ",")
				}
			}
			if len(apiKeys) == 0 {
				return fmt.Errorf("no api keys configured: pass --api-key or set STUDYKIT_API_KEYS")
			}

			log, err := logger.New(logMode)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withStore(func(s *store.SQLiteStore) error {
				srv := collector.New(s, collector.Options{
					Port:      port,
					APIKeys:   apiKeys,
					TokenFile: getTokenFilePath(),
					Logger:    log.With("component", "collector"),
				})
				return srv.ListenAndServe(ctx, !quiet)
			})
		},
	}

	defaultPort := 8080
	if p := os.Getenv("STUDYKIT_PORT"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			defaultPort = parsed
		}
	}

	cmd.Flags().IntVarP(&port, "port", "p", defaultPort, "port to listen on")
	cmd.Flags().StringSliceVar(&apiKeys, "api-key", nil, "accepted api key (repeatable)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print startup messages")

	return cmd
}
