package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openresearch/studykit/internal/study"
)

func init() {
	surveyCmd.AddCommand(newSurveyURLCmd())
	surveyCmd.AddCommand(newSurveyCallbackCmd())
	surveyCmd.AddCommand(newCheckInCmd())
	rootCmd.AddCommand(surveyCmd)
}

var surveyCmd = &cobra.Command{
	Use:   "survey",
	Short: "Work with study surveys",
}

func parseSurveyType(v string) (study.SurveyType, error) {
	switch t := study.SurveyType(v); t {
	case study.SurveyIntroductory, study.SurveyMid, study.SurveyCompletion:
		return t, nil
	}
	return "", fmt.Errorf("invalid survey type %q: must be introductory, mid or completion", v)
}

// parseQueryParams keeps the order the parameters were given in.
func parseQueryParams(pairs []string) ([]study.QueryItem, error) {
	items := make([]study.QueryItem, 0, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected name=value", p)
		}
		items = append(items, study.QueryItem{Name: name, Value: value})
	}
	return items, nil
}

func newSurveyURLCmd() *cobra.Command {
	var (
		studyID string
		extra   []string
	)

	cmd := &cobra.Command{
		Use:   "url [type]",
		Short: "Print the personalised survey link",
		Long: `Print the survey link for the participant. Without a type, the survey
that should be offered now is used.

Examples:
  studykit survey url --study sleep
  studykit survey url completion --study sleep --param lang=en`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseQueryParams(extra)
			if err != nil {
				return err
			}

			return withStudies(cmd.Context(), func(sess *session) error {
				s, err := sess.pick(studyID)
				if err != nil {
					return err
				}

				t := s.VisibleSurvey()
				if len(args) > 0 {
					if t, err = parseSurveyType(args[0]); err != nil {
						return err
					}
				}
				if t == study.SurveyNone {
					fmt.Fprintf(cmd.OutOrStdout(), "No survey to show for '%s' right now\n", s.ID())
					return nil
				}

				u, err := s.SurveyURL(cmd.Context(), t, items...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), u)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&studyID, "study", "s", "", "study id")
	cmd.Flags().StringArrayVarP(&extra, "param", "p", nil, "extra query parameter name=value (repeatable)")

	return cmd
}

func newSurveyCallbackCmd() *cobra.Command {
	var studyID string

	cmd := &cobra.Command{
		Use:   "callback <type> <url>",
		Short: "Apply a survey redirect",
		Long: `Apply the outcome of a survey: the page the survey redirected to, ending
in survey-callback/success or survey-callback/failed. A successful
introductory survey records consent.

Example:
  studykit survey callback introductory \
    'https://survey.example.org/survey-callback/success?assignedGroup=b' --study sleep`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseSurveyType(args[0])
			if err != nil {
				return err
			}

			return withStudies(cmd.Context(), func(sess *session) error {
				s, err := sess.pick(studyID)
				if err != nil {
					return err
				}

				handled, err := s.HandleSurveyCallback(cmd.Context(), t, args[1])
				if err != nil {
					return fmt.Errorf("failed to apply survey callback: %w", err)
				}
				if !handled {
					return fmt.Errorf("not a survey callback URL: %s", args[1])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %s survey outcome for '%s' (phase: %s)\n", t, s.ID(), s.Phase())
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&studyID, "study", "s", "", "study id")

	return cmd
}

func newCheckInCmd() *cobra.Command {
	var studyID string

	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Show and acknowledge the weekly check-in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStudies(cmd.Context(), func(sess *session) error {
				s, err := sess.pick(studyID)
				if err != nil {
					return err
				}
				if !s.ShouldShowWeeklyCheckIn() {
					fmt.Fprintf(cmd.OutOrStdout(), "No check-in due for '%s'\n", s.ID())
					return nil
				}
				if err := s.MarkWeeklyCheckInShown(cmd.Context(), time.Now()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Weekly check-in for '%s': week %d\n", s.ID(), s.State().LastCheckInWeek)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&studyID, "study", "s", "", "study id")

	return cmd
}
