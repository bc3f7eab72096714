package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openresearch/studykit/internal/eventlog"
	"github.com/openresearch/studykit/internal/study"
)

func init() {
	rootCmd.AddCommand(newRecordCmd())
}

func newRecordCmd() *cobra.Command {
	var (
		studyID string
		rawJSON string
	)

	cmd := &cobra.Command{
		Use:   "record [key=value ...]",
		Short: "Append an event to the participant's log",
		Long: `Append one event record to the local event log of a running study.
Values that parse as numbers or booleans are stored as such. A timestamp
is added unless one is given.

An upload starts right away when one is due.

Examples:
  studykit record --study sleep screen=home duration=12.5
  studykit record --study sleep --json '{"screen":"home"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := buildRecord(args, rawJSON, time.Now())
			if err != nil {
				return err
			}

			return withStudies(cmd.Context(), func(sess *session) error {
				s, err := sess.pick(studyID)
				if err != nil {
					return err
				}
				if err := s.RecordEvent(cmd.Context(), rec); err != nil {
					if errors.Is(err, study.ErrNotActive) {
						return fmt.Errorf("study '%s' is not running (phase: %s)", s.ID(), s.Phase())
					}
					return fmt.Errorf("failed to record event: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Recorded event for '%s'\n", s.ID())
				if s.IsUploading() {
					fmt.Fprintln(cmd.OutOrStdout(), "Uploading event log...")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&studyID, "study", "s", "", "study id")
	cmd.Flags().StringVar(&rawJSON, "json", "", "record as a JSON object")

	return cmd
}

func buildRecord(pairs []string, rawJSON string, now time.Time) (eventlog.Record, error) {
	rec := eventlog.Record{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &rec); err != nil {
			return nil, fmt.Errorf("invalid --json: %w", err)
		}
	}

	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", p)
		}
		rec[key] = parseValue(value)
	}

	if len(rec) == 0 {
		return nil, fmt.Errorf("event has no fields")
	}
	if _, ok := rec["timestamp"]; !ok {
		rec["timestamp"] = float64(now.UnixMilli()) / 1000
	}
	return rec, nil
}

func parseValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	// NaN and Inf are not valid JSON numbers
	if n, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
		return n
	}
	return v
}
