package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/underwrite-cli/internal/cost"
)

var (
	dcInput cost.DoubleCloseInput
	dcJSON  bool
)

var doubleCloseCmd = &cobra.Command{
	Use:   "double-close",
	Short: "Price a double close against a plain assignment",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("compute"); err != nil {
			return err
		}
		res := cost.NewCalculator(cfg.Closing.Rates).DoubleClose(dcInput)
		if dcJSON {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		formatDoubleClose(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	f := doubleCloseCmd.Flags()
	f.Float64Var(&dcInput.ABPrice, "ab-price", 0, "A→B purchase price")
	f.Float64Var(&dcInput.BCPrice, "bc-price", 0, "B→C resale price")
	f.StringVar(&dcInput.County, "county", "", "county (Miami-Dade uses its own deed stamp rate)")
	f.StringVar(&dcInput.PropertyType, "property-type", "", "property type (SFR, CONDO, ...)")
	f.Float64Var(&dcInput.HoldDays, "hold-days", 0, "days held between closings")
	f.Float64Var(&dcInput.MonthlyCarry, "monthly-carry", 0, "monthly carry while held")
	f.Float64Var(&dcInput.NoteAmounts.AB, "ab-note", 0, "financed amount on the A→B side")
	f.Float64Var(&dcInput.NoteAmounts.BC, "bc-note", 0, "financed amount on the B→C side")
	f.IntVar(&dcInput.PageCounts.AB, "ab-pages", 0, "recorded pages on the A→B side")
	f.IntVar(&dcInput.PageCounts.BC, "bc-pages", 0, "recorded pages on the B→C side")
	f.BoolVar(&dcJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(doubleCloseCmd)
}

func formatDoubleClose(w io.Writer, res cost.DoubleCloseResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tA→B\tB→C")
	fmt.Fprintf(tw, "Deed stamps\t%.2f\t%.2f\n", res.SideAB.DeedStamps, res.SideBC.DeedStamps)
	fmt.Fprintf(tw, "Note stamps\t%.2f\t%.2f\n", res.SideAB.NoteStamps, res.SideBC.NoteStamps)
	fmt.Fprintf(tw, "Intangible tax\t%.2f\t%.2f\n", res.SideAB.IntangibleTax, res.SideBC.IntangibleTax)
	fmt.Fprintf(tw, "Title premium\t%.2f\t%.2f\n", res.SideAB.TitlePremium, res.SideBC.TitlePremium)
	fmt.Fprintf(tw, "Recording fees\t%.2f\t%.2f\n", res.SideAB.RecordingFees, res.SideBC.RecordingFees)
	fmt.Fprintf(tw, "Total\t%.2f\t%.2f\n", res.SideAB.Total, res.SideBC.Total)
	tw.Flush() //nolint:errcheck

	fmt.Fprintf(w, "\nDeed stamp rate: %g\n", res.DeedStampRate)
	fmt.Fprintf(w, "Assignment fee:  %.2f\n", res.AssignmentFee)
	fmt.Fprintf(w, "Closing costs:   %.2f\n", res.DCTotalCosts)
	fmt.Fprintf(w, "Carry:           %.2f\n", res.DCCarryCost)
	fmt.Fprintf(w, "Net spread:      %.2f\n", res.DCNetSpread)
	fmt.Fprintf(w, "Comparison:      %s\n", res.Comparison)
}
