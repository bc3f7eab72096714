package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openresearch/studykit/internal/study"
)

var statusCmd = &cobra.Command{
	Use:   "status [study]",
	Short: "Show the state of configured studies",
	Long: `Show consent, lifecycle phase, upload watermark and the survey that
should be offered now, for one study or all of them.

Example:
  studykit status
  studykit status sleep`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withStudies(cmd.Context(), func(sess *session) error {
		studies := sess.studies
		if id := optionalArg(args); id != "" {
			s, err := sess.pick(id)
			if err != nil {
				return err
			}
			studies = []*study.Study{s}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STUDY\tPHASE\tCONSENT\tENDS\tLAST UPLOAD\tSURVEY\tEVENTS")
		for _, s := range studies {
			printStatusRow(cmd, w, s)
		}
		return w.Flush()
	})
}

func printStatusRow(cmd *cobra.Command, w io.Writer, s *study.Study) {
	st := s.State()

	ends := "-"
	if end, ok := s.EndInstant(); ok {
		ends = end.Local().Format("2006-01-02")
	} else if s.Config().DataDonation && st.ConsentAt != nil {
		ends = "on termination"
	}

	survey := string(s.VisibleSurvey())
	if survey == "" {
		survey = "-"
	}

	events := "-"
	if st.ParticipantID != "" {
		if doc, err := s.Events(cmd.Context()); err == nil {
			events = fmt.Sprintf("%d", len(doc))
		}
	}

	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		s.ID(),
		s.Phase(),
		formatTime(st.ConsentAt),
		ends,
		formatTime(st.LastUploadAt),
		survey,
		events,
	)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
