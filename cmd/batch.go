package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/underwrite-cli/internal/engine"
	"github.com/sells-group/underwrite-cli/internal/runrecord"
	"github.com/sells-group/underwrite-cli/internal/store"
)

var (
	batchInput       string
	batchOut         string
	batchLimit       int
	batchConcurrency int
	batchPosture     string
	batchNoPersist   bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Underwrite many deals from a JSON array or JSON-lines file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reqs, err := loadRequests(batchInput, cmd.InOrStdin())
		if err != nil {
			return err
		}
		for i := range reqs {
			applyRequestFlags(&reqs[i], batchPosture, "")
		}

		persist := cfg.Engine.Persist && !batchNoPersist
		if err := cfg.Validate(modeFor(persist)); err != nil {
			return err
		}

		// Runs are computed without a store and bulk-saved afterwards.
		e, err := initEngine(ctx, "compute", false)
		if err != nil {
			return err
		}
		defer e.Close()

		concurrency := batchConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Engine.MaxConcurrentDeals
		}

		results, err := processBatch(ctx, reqs, batchLimit, concurrency, e.Engine.Evaluate)
		if err != nil {
			return err
		}

		if persist {
			st, err := initStore(ctx)
			if err != nil {
				return eris.Wrap(err, "init store")
			}
			defer st.Close() //nolint:errcheck

			if err := saveBatch(ctx, st, results); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if batchOut != "" && batchOut != "-" {
			f, err := os.Create(batchOut)
			if err != nil {
				return eris.Wrapf(err, "create %s", batchOut)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		return writeResultLines(out, results)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchInput, "input", "-", "requests file: JSON array or one request per line (- for stdin)")
	batchCmd.Flags().StringVar(&batchOut, "out", "-", "write evaluations as JSON lines to this file")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of requests to process (0 = all)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "parallel evaluations (default engine.max_concurrent_deals)")
	batchCmd.Flags().StringVar(&batchPosture, "posture", "", "policy posture for every request")
	batchCmd.Flags().BoolVar(&batchNoPersist, "no-persist", false, "skip writing runs to the store")
	rootCmd.AddCommand(batchCmd)
}

func loadRequests(path string, stdin io.Reader) ([]engine.Request, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	return readRequests(r)
}

// readRequests accepts either a JSON array of requests or a stream of
// request objects (JSON lines).
func readRequests(r io.Reader) ([]engine.Request, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "batch: read requests")
	}

	dec := json.NewDecoder(br)
	dec.DisallowUnknownFields()
	if first == '[' {
		var reqs []engine.Request
		if err := dec.Decode(&reqs); err != nil {
			return nil, eris.Wrap(err, "batch: decode request array")
		}
		return reqs, nil
	}

	var reqs []engine.Request
	for {
		var req engine.Request
		err := dec.Decode(&req)
		if err == io.EOF {
			return reqs, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "batch: decode request %d", len(reqs)+1)
		}
		reqs = append(reqs, req)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}

// evalFunc is the callback signature for evaluating one request.
type evalFunc func(ctx context.Context, req engine.Request) (*engine.Evaluation, error)

// batchResult holds one slot per processed request. Failed slots keep the
// error and a nil evaluation.
type batchResult struct {
	DealID     string             `json:"deal_id"`
	Evaluation *engine.Evaluation `json:"evaluation,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type batchResults []batchResult

// Rows returns the run rows of the successful evaluations in input order.
func (b batchResults) Rows() []runrecord.RunRowInsert {
	rows := make([]runrecord.RunRowInsert, 0, len(b))
	for _, r := range b {
		if r.Evaluation != nil {
			rows = append(rows, r.Evaluation.Row)
		}
	}
	return rows
}

// saveBatch bulk-saves the successful evaluations and stamps each one with
// its stored run ID. Created is set on the first evaluation of a
// fingerprint that was not already stored.
func saveBatch(ctx context.Context, st store.Store, results batchResults) error {
	type runKey struct{ org, posture, fingerprint string }
	keyOf := func(row runrecord.RunRowInsert) runKey {
		return runKey{row.OrgID, row.Posture, row.Fingerprint()}
	}

	existing := make(map[runKey]bool)
	for _, r := range results {
		if r.Evaluation == nil {
			continue
		}
		k := keyOf(r.Evaluation.Row)
		if _, seen := existing[k]; seen {
			continue
		}
		run, err := st.FindRun(ctx, k.org, k.posture, k.fingerprint)
		if err != nil {
			return eris.Wrap(err, "batch: find existing run")
		}
		existing[k] = run != nil
	}

	rows := results.Rows()
	inserted, err := st.SaveRuns(ctx, rows)
	if err != nil {
		return eris.Wrap(err, "batch: save runs")
	}

	ids := make(map[runKey]string, len(existing))
	for i := range results {
		if results[i].Evaluation == nil {
			continue
		}
		// evaluations may be shared with the engine's memo
		stamped := *results[i].Evaluation
		ev := &stamped
		results[i].Evaluation = ev
		k := keyOf(ev.Row)
		id, ok := ids[k]
		if !ok {
			run, err := st.FindRun(ctx, k.org, k.posture, k.fingerprint)
			if err != nil {
				return eris.Wrap(err, "batch: find saved run")
			}
			if run == nil {
				return eris.Errorf("batch: run for deal %s was not saved", results[i].DealID)
			}
			id = run.ID
			ids[k] = id
			ev.Created = !existing[k]
		}
		ev.RunID = id
	}

	zap.L().Info("batch runs saved",
		zap.Int("inserted", inserted),
		zap.Int("duplicates", len(rows)-inserted),
	)
	return nil
}

// processBatch applies limit, then evaluates requests concurrently. A
// failed request is recorded in its slot and does not abort the batch.
func processBatch(ctx context.Context, reqs []engine.Request, limit, concurrency int, eval evalFunc) (batchResults, error) {
	if len(reqs) == 0 {
		zap.L().Info("no requests found")
		return nil, nil
	}

	if limit > 0 && len(reqs) > limit {
		reqs = reqs[:limit]
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("requests", len(reqs)),
		zap.Int("concurrency", concurrency),
	)

	results := make(batchResults, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed atomic.Int64

	for i, req := range reqs {
		g.Go(func() error {
			log := zap.L().With(zap.String("deal_id", req.Deal.ID))
			results[i].DealID = req.Deal.ID

			if err := gctx.Err(); err != nil {
				return err
			}

			ev, err := eval(gctx, req)
			if err != nil {
				failed.Add(1)
				results[i].Error = err.Error()
				log.Error("underwrite failed", zap.Error(err))
				return nil // don't abort batch on individual failure
			}

			succeeded.Add(1)
			results[i].Evaluation = ev
			log.Debug("underwrite complete",
				zap.String("input_hash", ev.Row.InputHash),
				zap.Bool("cached", ev.Cached),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return results, nil
}

func writeResultLines(w io.Writer, results batchResults) error {
	enc := json.NewEncoder(w)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "batch: write result")
		}
	}
	return nil
}
