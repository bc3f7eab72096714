package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConsentCmd())
}

func newConsentCmd() *cobra.Command {
	var (
		group     string
		assumeYes bool
	)

	cmd := &cobra.Command{
		Use:   "consent [study]",
		Short: "Record consent to take part in a study",
		Long: `Record that the participant agreed to take part. Consent is recorded
once; repeating the command keeps the original date.

Example:
  studykit consent sleep --group control`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudies(cmd.Context(), func(sess *session) error {
				s, err := sess.pick(optionalArg(args))
				if err != nil {
					return err
				}
				if s.HasConsent() {
					fmt.Fprintf(cmd.OutOrStdout(), "Consent for '%s' was already given on %s\n", s.ID(), formatTime(s.State().ConsentAt))
					return nil
				}

				ok, err := confirm(fmt.Sprintf("Take part in %q", s.Config().Title), assumeYes)
				if err != nil || !ok {
					return err
				}

				var params map[string]string
				if group != "" {
					params = map[string]string{"assignedGroup": group}
				}
				if err := s.GrantConsent(cmd.Context(), time.Now(), params); err != nil {
					return fmt.Errorf("failed to record consent: %w", err)
				}

				id, err := s.EnsureParticipantID(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Consent recorded for '%s' (participant %s)\n", s.ID(), id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "assigned study group")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}
