package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openresearch/studykit/internal/study"
)

func init() {
	rootCmd.AddCommand(newTerminateCmd())
}

func newTerminateCmd() *cobra.Command {
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "terminate [study]",
		Short: "Leave a study immediately",
		Long: `End participation in a study now. A termination event is added to the
event log and uploaded right away; no further events are recorded.

Example:
  studykit terminate sleep`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudies(cmd.Context(), func(sess *session) error {
				s, err := sess.pick(optionalArg(args))
				if err != nil {
					return err
				}
				if st := s.State(); st.TerminatedAt != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Study '%s' was already terminated on %s\n", s.ID(), formatTime(st.TerminatedAt))
					return nil
				}

				ok, err := confirm(fmt.Sprintf("Leave %q now", s.Config().Title), assumeYes)
				if err != nil || !ok {
					return err
				}

				if err := s.TerminateImmediately(cmd.Context(), time.Now()); err != nil {
					return fmt.Errorf("failed to terminate study: %w", err)
				}
				s.Wait()

				fmt.Fprintf(cmd.OutOrStdout(), "Study '%s' terminated\n", s.ID())
				if s.ShouldShowTerminationSurvey() {
					if u, err := s.SurveyURL(cmd.Context(), study.SurveyCompletion); err == nil {
						fmt.Fprintf(cmd.OutOrStdout(), "Concluding survey: %s\n", u)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}
