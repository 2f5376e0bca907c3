package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/underwrite-cli/internal/engine"
	"github.com/sells-group/underwrite-cli/internal/policy"
	"github.com/sells-group/underwrite-cli/internal/resilience"
	"github.com/sells-group/underwrite-cli/internal/store"
)

// env bundles what a command needs to evaluate deals.
type env struct {
	Engine *engine.Engine
	Store  store.Store
}

// Close releases the store, if any.
func (e *env) Close() {
	if e.Store == nil {
		return
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "underwrite.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return store.WithRetry(st, resilience.FromStoreConfig(cfg.Store.RetryAttempts, cfg.Store.RetryBackoffMs)), nil
}

// loadPolicy reads the configured policy document. A blank path means
// every posture runs on default tokens.
func loadPolicy() (*policy.Document, error) {
	if cfg.Policy.Path == "" {
		return nil, nil
	}
	doc, err := policy.LoadFile(cfg.Policy.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load policy")
	}
	zap.L().Debug("policy loaded",
		zap.String("path", cfg.Policy.Path),
		zap.Strings("postures", doc.PostureNames()),
	)
	return doc, nil
}

// initEngine validates config for mode and wires the engine. The store is
// opened only when persist is true.
func initEngine(ctx context.Context, mode string, persist bool) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	doc, err := loadPolicy()
	if err != nil {
		return nil, err
	}

	e := &env{}
	if persist {
		st, err := initStore(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "init store")
		}
		e.Store = st
	}

	eng, err := engine.New(cfg, doc, e.Store)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Engine = eng
	return e, nil
}

// readJSON decodes path into v. "-" reads stdin.
func readJSON(path string, stdin io.Reader, v any) error {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "open %s", path)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return eris.Wrapf(err, "decode %s", path)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}
