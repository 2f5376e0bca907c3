package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/underwrite-cli/internal/engine"
)

var (
	valuationInput   string
	valuationPosture string
)

var valuationCmd = &cobra.Command{
	Use:   "valuation",
	Short: "Run ensemble, uncertainty, and confidence for a subject",
	Long:  "Reads a valuation request (comps, listings, comp and AVM estimates, market index) as JSON and prints the ensemble value, range, and confidence grade. Nothing is persisted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req engine.ValuationRequest
		if err := readJSON(valuationInput, cmd.InOrStdin(), &req); err != nil {
			return err
		}

		e, err := initEngine(cmd.Context(), "compute", false)
		if err != nil {
			return err
		}
		defer e.Close()

		pol, _, err := e.Engine.Policy(valuationPosture)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), engine.Valuate(req, pol.Valuation))
	},
}

func init() {
	valuationCmd.Flags().StringVar(&valuationInput, "input", "-", "valuation JSON file (- for stdin)")
	valuationCmd.Flags().StringVar(&valuationPosture, "posture", "", "policy posture")
	rootCmd.AddCommand(valuationCmd)
}
