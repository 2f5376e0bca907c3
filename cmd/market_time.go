package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/underwrite-cli/internal/markettime"
)

var (
	mtIndex    string
	mtAsOf     string
	mtPrice    float64
	mtSaleDate string
)

var marketTimeCmd = &cobra.Command{
	Use:   "market-time",
	Short: "Select the effective as-of quarter and time-adjust a price",
	Long:  "Reads a quarterly market index ({\"2024Q1\": 301.2, ...}) and prints the effective as-of period. With --price and --sale-date it also prints the adjusted price.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var index map[string]float64
		if err := readJSON(mtIndex, cmd.InOrStdin(), &index); err != nil {
			return err
		}
		out, err := marketTime(index, mtAsOf, mtPrice, mtSaleDate)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	marketTimeCmd.Flags().StringVar(&mtIndex, "index", "-", "market index JSON file (- for stdin)")
	marketTimeCmd.Flags().StringVar(&mtAsOf, "as-of", "", "requested as-of period, e.g. 2025Q2 (default: current quarter)")
	marketTimeCmd.Flags().Float64Var(&mtPrice, "price", 0, "sale price to adjust")
	marketTimeCmd.Flags().StringVar(&mtSaleDate, "sale-date", "", "sale date (YYYY-MM-DD)")
	rootCmd.AddCommand(marketTimeCmd)
}

func marketTime(index map[string]float64, asOf string, price float64, saleDate string) (any, error) {
	if asOf == "" {
		asOf = string(markettime.PeriodFromDate(time.Now()))
	}
	if _, _, ok := markettime.ParsePeriod(asOf); !ok {
		return nil, eris.Errorf("invalid --as-of period %q, want YYYYQn", asOf)
	}

	if price <= 0 || saleDate == "" {
		sel, ok := markettime.SelectEffectiveAsOfPeriod(asOf, index)
		if !ok {
			return nil, eris.New("market index has no usable values")
		}
		return sel, nil
	}

	sold, err := time.Parse(time.DateOnly, saleDate)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid --sale-date %q", saleDate)
	}
	return markettime.AdjustPrice(price, sold, asOf, index), nil
}
