package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openresearch/studykit/internal/study"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

type syncResult struct {
	started  bool
	uploaded bool
}

func newSyncCmd() *cobra.Command {
	var (
		all   bool
		force bool
	)

	cmd := &cobra.Command{
		Use:   "sync [study]",
		Short: "Upload event logs that are due",
		Long: `Upload the event log of a study when an upload is due: first upload
after consent, the upload interval has passed, or the study ended since
the last upload. --force uploads regardless of the interval.

The command waits for the upload to finish.

Examples:
  studykit sync sleep
  studykit sync --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudies(cmd.Context(), func(sess *session) error {
				targets := sess.studies
				if !all {
					s, err := sess.pick(optionalArg(args))
					if err != nil {
						return err
					}
					targets = []*study.Study{s}
				}

				// Studies are independent; sync them side by side
				results := make([]syncResult, len(targets))
				var g errgroup.Group
				for i, s := range targets {
					i, s := i, s
					g.Go(func() error {
						before := s.State().LastUploadAt
						if force {
							results[i].started = s.UploadNow(cmd.Context())
						} else {
							results[i].started = s.SyncIfDue(cmd.Context())
						}
						s.Wait()
						after := s.State().LastUploadAt
						results[i].uploaded = after != nil && (before == nil || after.After(*before))
						return nil
					})
				}
				if err := g.Wait(); err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				for i, s := range targets {
					switch {
					case !results[i].started:
						fmt.Fprintf(out, "%s: nothing to upload\n", s.ID())
					case results[i].uploaded:
						fmt.Fprintf(out, "%s: uploaded at %s\n", s.ID(), formatTime(s.State().LastUploadAt))
					default:
						fmt.Fprintf(out, "%s: upload failed, will retry on next sync\n", s.ID())
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "sync every configured study")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "upload even if not due")

	return cmd
}
