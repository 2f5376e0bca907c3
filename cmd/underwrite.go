package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/underwrite-cli/internal/engine"
)

var (
	underwriteInput     string
	underwritePosture   string
	underwriteOrg       string
	underwriteNoPersist bool
)

var underwriteCmd = &cobra.Command{
	Use:   "underwrite",
	Short: "Underwrite one deal and record the run",
	Long:  "Reads an underwriting request (deal, optional sandbox, valuation, and double-close inputs) as JSON and prints the evaluation with its run record.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req engine.Request
		if err := readJSON(underwriteInput, cmd.InOrStdin(), &req); err != nil {
			return err
		}
		applyRequestFlags(&req, underwritePosture, underwriteOrg)

		persist := cfg.Engine.Persist && !underwriteNoPersist
		e, err := initEngine(cmd.Context(), modeFor(persist), persist)
		if err != nil {
			return err
		}
		defer e.Close()

		ev, err := e.Engine.Evaluate(cmd.Context(), req)
		if err != nil {
			return err
		}
		zap.L().Debug("underwrite complete", zap.String("deal_id", req.Deal.ID), zap.String("run_id", ev.RunID))
		return writeJSON(cmd.OutOrStdout(), ev)
	},
}

func init() {
	underwriteCmd.Flags().StringVar(&underwriteInput, "input", "-", "request JSON file (- for stdin)")
	underwriteCmd.Flags().StringVar(&underwritePosture, "posture", "", "policy posture (overrides the request)")
	underwriteCmd.Flags().StringVar(&underwriteOrg, "org", "", "org id (overrides the request)")
	underwriteCmd.Flags().BoolVar(&underwriteNoPersist, "no-persist", false, "skip writing the run to the store")
	rootCmd.AddCommand(underwriteCmd)
}

func applyRequestFlags(req *engine.Request, posture, org string) {
	if posture != "" {
		req.Posture = posture
	}
	if org != "" {
		req.OrgID = org
	}
}

func modeFor(persist bool) string {
	if persist {
		return "store"
	}
	return "compute"
}
