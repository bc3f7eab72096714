package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openresearch/studykit/internal/store"
)

var exportFormat string

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "List documents received by the collector",
	Long:  `List every participant whose event log the collector has received.`,
	Args:  cobra.NoArgs,
	RunE:  runUploadsList,
}

var exportCmd = &cobra.Command{
	Use:   "export <user_key>",
	Short: "Export a received event log",
	Long: `Export the latest event log received for a participant in CSV or JSON
format. CSV has one column per field name seen in any record.

Examples:
  studykit uploads export sleep-1F0C... --format csv > sleep.csv
  studykit uploads export sleep-1F0C... --format json > sleep.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "output format (csv or json)")
	uploadsCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(uploadsCmd)
}

func runUploadsList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		uploads, err := s.ListUploads(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list uploads: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(uploads) == 0 {
			fmt.Fprintln(out, "No uploads yet.")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Start a collector with 'studykit serve' and point upload_endpoint at its /upload URL.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PARTICIPANT\tSTUDY\tRECORDS\tUPLOADS\tBYTES\tRECEIVED")
		for _, u := range uploads {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
				u.UserKey,
				u.StudyID,
				u.Records,
				u.UploadCount,
				u.Bytes,
				u.ReceivedAt.Local().Format("2006-01-02 15:04"),
			)
		}
		return w.Flush()
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	userKey := args[0]

	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format: must be 'csv' or 'json'")
	}

	return withStore(func(s *store.SQLiteStore) error {
		u, err := s.GetUpload(context.Background(), userKey)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no upload for '%s'", userKey)
			}
			return fmt.Errorf("failed to get upload: %w", err)
		}

		var records []map[string]any
		if err := json.Unmarshal(u.Document, &records); err != nil {
			return fmt.Errorf("stored document is not a JSON array: %w", err)
		}

		if exportFormat == "csv" {
			return exportCSV(cmd.OutOrStdout(), records)
		}
		return exportJSON(cmd.OutOrStdout(), u, records)
	})
}

func exportCSV(out io.Writer, records []map[string]any) error {
	w := csv.NewWriter(out)
	defer w.Flush()

	seen := map[string]bool{}
	var columns []string
	for _, r := range records {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)

	// Write header
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Write rows
	for _, r := range records {
		row := make([]string, len(columns))
		for i, c := range columns {
			v, ok := r[c]
			if !ok || v == nil {
				continue
			}
			if s, isString := v.(string); isString {
				row[i] = s
				continue
			}
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to encode %s: %w", c, err)
			}
			row[i] = string(b)
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	return nil
}

type jsonExport struct {
	UserKey     string           `json:"user_key"`
	StudyID     string           `json:"study_id,omitempty"`
	UploadCount int              `json:"upload_count"`
	ReceivedAt  int64            `json:"received_at"`
	Records     []map[string]any `json:"records"`
}

func exportJSON(out io.Writer, u *store.Upload, records []map[string]any) error {
	if records == nil {
		records = []map[string]any{}
	}
	export := jsonExport{
		UserKey:     u.UserKey,
		StudyID:     u.StudyID,
		UploadCount: u.UploadCount,
		ReceivedAt:  u.ReceivedAt.Unix(),
		Records:     records,
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
