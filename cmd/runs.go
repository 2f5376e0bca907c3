package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/underwrite-cli/internal/model"
	"github.com/sells-group/underwrite-cli/internal/store"
)

var (
	runsFilter   store.RunFilter
	runsExportTo string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded underwriting runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openRunStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(cmd.Context(), runsFilter)
		if err != nil {
			return eris.Wrap(err, "list runs")
		}
		if len(runs) == 0 {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}
		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print one run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openRunStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrapf(err, "get run %s", args[0])
		}
		return writeJSON(cmd.OutOrStdout(), run)
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize runs by posture",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openRunStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := listAllRuns(cmd.Context(), st, runsFilter)
		if err != nil {
			return err
		}
		formatRunStats(cmd.OutOrStdout(), computeRunStats(runs))
		return nil
	},
}

var runsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export runs to an xlsx workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openRunStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := listAllRuns(cmd.Context(), st, runsFilter)
		if err != nil {
			return err
		}
		f, err := runsWorkbook(runs)
		if err != nil {
			return err
		}
		if err := f.Save(runsExportTo); err != nil {
			return eris.Wrapf(err, "save %s", runsExportTo)
		}
		zap.L().Info("runs exported", zap.Int("runs", len(runs)), zap.String("path", runsExportTo))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{runsListCmd, runsStatsCmd, runsExportCmd} {
		c.Flags().StringVar(&runsFilter.OrgID, "org", "", "filter by org id")
		c.Flags().StringVar(&runsFilter.DealID, "deal", "", "filter by deal id")
		c.Flags().StringVar(&runsFilter.Posture, "posture", "", "filter by posture")
	}
	runsListCmd.Flags().IntVar(&runsFilter.Limit, "limit", 20, "max runs to list")
	runsListCmd.Flags().IntVar(&runsFilter.Offset, "offset", 0, "runs to skip")
	runsExportCmd.Flags().StringVar(&runsExportTo, "out", "runs.xlsx", "workbook path")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsStatsCmd, runsExportCmd)
	rootCmd.AddCommand(runsCmd)
}

func openRunStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	return st, nil
}

const exportPageSize = 500

// listAllRuns pages through every run matching filter.
func listAllRuns(ctx context.Context, st store.Store, filter store.RunFilter) ([]model.Run, error) {
	filter.Limit = exportPageSize
	filter.Offset = 0
	var all []model.Run
	for {
		page, err := st.ListRuns(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "list runs")
		}
		all = append(all, page...)
		if len(page) < exportPageSize {
			return all, nil
		}
		filter.Offset += len(page)
	}
}

func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tORG\tDEAL\tPOSTURE\tINPUT_HASH\tPOLICY_HASH\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t---\t----\t-------\t----------\t-----------\t-------")

	for _, r := range runs {
		deal := r.DealID
		if len(deal) > 30 {
			deal = deal[:27] + "..."
		}
		policyHash := "-"
		if r.PolicyHash != nil {
			policyHash = truncateID(*r.PolicyHash)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.OrgID,
			deal,
			r.Posture,
			truncateID(r.InputHash),
			policyHash,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

type runStats struct {
	Total     int
	Deals     int
	NoPolicy  int
	ByPosture map[string]int
	First     time.Time
	Last      time.Time
}

func computeRunStats(runs []model.Run) runStats {
	s := runStats{Total: len(runs), ByPosture: make(map[string]int)}
	deals := make(map[string]struct{})

	for _, r := range runs {
		s.ByPosture[r.Posture]++
		if r.DealID != "" {
			deals[r.DealID] = struct{}{}
		}
		if r.PolicyHash == nil {
			s.NoPolicy++
		}
		if s.First.IsZero() || r.CreatedAt.Before(s.First) {
			s.First = r.CreatedAt
		}
		if r.CreatedAt.After(s.Last) {
			s.Last = r.CreatedAt
		}
	}
	s.Deals = len(deals)
	return s
}

func formatRunStats(out io.Writer, s runStats) {
	_, _ = fmt.Fprintf(out, "Total runs:      %d\n", s.Total)
	_, _ = fmt.Fprintf(out, "Distinct deals:  %d\n", s.Deals)
	_, _ = fmt.Fprintf(out, "Without policy:  %d\n", s.NoPolicy)
	if s.Total > 0 {
		_, _ = fmt.Fprintf(out, "First run:       %s\n", s.First.Format("2006-01-02 15:04"))
		_, _ = fmt.Fprintf(out, "Last run:        %s\n", s.Last.Format("2006-01-02 15:04"))
	}

	postures := make([]string, 0, len(s.ByPosture))
	for p := range s.ByPosture {
		postures = append(postures, p)
	}
	sort.Strings(postures)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "\nPOSTURE\tRUNS")
	for _, p := range postures {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", p, s.ByPosture[p])
	}
	_ = w.Flush()
}

var exportHeader = []string{
	"id", "org_id", "posture", "deal_id", "input_hash", "output_hash", "policy_hash", "fingerprint", "created_at",
}

// runsWorkbook builds a single-sheet workbook with one row per run.
func runsWorkbook(runs []model.Run) (*xlsx.File, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Runs")
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add sheet")
	}

	addRow(sheet, exportHeader)
	for _, r := range runs {
		policyHash := ""
		if r.PolicyHash != nil {
			policyHash = *r.PolicyHash
		}
		addRow(sheet, []string{
			r.ID,
			r.OrgID,
			r.Posture,
			r.DealID,
			r.InputHash,
			r.OutputHash,
			policyHash,
			r.Fingerprint(),
			r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return f, nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

// truncateID shortens ids and hashes for table output.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
