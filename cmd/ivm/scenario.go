package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ariyn/ivm/internal/ivm/cdc"
	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/refresh"
	"github.com/ariyn/ivm/internal/ivm/types"
	"github.com/ariyn/ivm/ivm"
)

// refreshAll is the refresh target that refreshes every view at once.
const refreshAll = "all"

func newChangeBuffer(cfg ChangeBufferConfig) (cdc.Buffer, error) {
	switch cfg.Type {
	case "", "memory":
		return cdc.NewMemoryBuffer(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite change buffer requires a path")
		}
		return cdc.NewSQLiteBuffer(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported change buffer type: %s", cfg.Type)
	}
}

func newSink(cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case "", "console":
		return NewConsoleSink(cfg.Config)
	case "file":
		return NewFileSink(cfg.Config)
	case "parquet":
		return NewParquetSink(cfg.Config)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

// setup opens the database, seeds the tables and materializes every view.
// The initial contents of each view are written to sink as step 0.
func setup(ctx context.Context, cfg *ScenarioConfig, sink Sink, logger log.Logger, reg prometheus.Registerer) (*ivm.DB, error) {
	buffer, err := newChangeBuffer(cfg.ChangeBuffer)
	if err != nil {
		return nil, err
	}
	db, err := ivm.Open(ivm.Options{Config: &cfg.Refresh, Buffer: buffer, Logger: logger, Registerer: reg})
	if err != nil {
		_ = buffer.Close()
		return nil, err
	}
	if err := populate(ctx, db, cfg, sink); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func populate(ctx context.Context, db *ivm.DB, cfg *ScenarioConfig, sink Sink) error {
	for _, t := range cfg.Tables {
		if err := db.CreateTable(t.Name, t.Columns, t.Key...); err != nil {
			return err
		}
		if t.Seed == nil {
			continue
		}
		rows, err := readSeed(*t.Seed, t.Columns)
		if err != nil {
			return fmt.Errorf("seed of %s: %w", t.Name, err)
		}
		if err := db.Insert(ctx, t.Name, rows...); err != nil {
			return fmt.Errorf("seed of %s: %w", t.Name, err)
		}
		fmt.Printf("Seeded %s with %d rows\n", t.Name, len(rows))
	}

	for _, v := range cfg.Views {
		tree, err := viewTree(v)
		if err != nil {
			return fmt.Errorf("view %s: %w", v.Name, err)
		}
		var opts []ivm.ViewOption
		if v.ChangeRatio != nil {
			opts = append(opts, ivm.WithChangeRatio(*v.ChangeRatio))
		}
		if err := db.CreateView(ctx, v.Name, tree, opts...); err != nil {
			return err
		}
		cols, rows, err := db.Rows(v.Name)
		if err != nil {
			return err
		}
		fmt.Printf("Created view %s (%d rows)\n", v.Name, len(rows))
		if err := sink.WriteBatch(Batch{View: v.Name, Columns: cols.Names(), Rows: types.DiffRows(nil, rows)}); err != nil {
			return err
		}
	}
	return nil
}

func readSeed(cfg CSVSourceConfig, columns []string) ([][]any, error) {
	source, err := NewCSVSource(cfg, columns)
	if err != nil {
		return nil, err
	}
	defer source.Close()
	return source.Rows()
}

func viewTree(v ViewConfig) (*optree.Tree, error) {
	if v.Spec != nil {
		return v.Spec.Build()
	}
	return optree.LoadSpec(v.Tree)
}

// runScenario applies each step in order and writes the resulting view
// deltas to sink.
func runScenario(ctx context.Context, db *ivm.DB, steps []StepConfig, sink Sink) error {
	for i, step := range steps {
		n := i + 1
		if err := ctx.Err(); err != nil {
			return err
		}
		if step.SQL != "" {
			events, err := db.Exec(ctx, step.SQL)
			if err != nil {
				return fmt.Errorf("step %d: %w", n, err)
			}
			fmt.Printf("Step %d: applied %d changes\n", n, len(events))
		}
		for _, target := range step.Refresh {
			if err := refreshStep(ctx, db, n, target, sink); err != nil {
				return fmt.Errorf("step %d: %w", n, err)
			}
		}
	}
	return nil
}

func refreshStep(ctx context.Context, db *ivm.DB, step int, target string, sink Sink) error {
	names := []string{target}
	if target == refreshAll {
		names = db.Views()
	}
	before := make(map[string][]types.Row, len(names))
	for _, name := range names {
		_, rows, err := db.Rows(name)
		if err != nil {
			return err
		}
		before[name] = rows
	}

	results := map[string]*refresh.Result{}
	if target == refreshAll {
		var err error
		if results, err = db.RefreshAll(ctx); err != nil {
			return err
		}
	} else {
		res, err := db.Refresh(ctx, target)
		if err != nil {
			return err
		}
		results[target] = res
	}

	for _, name := range names {
		res := results[name]
		cols, after, err := db.Rows(name)
		if err != nil {
			return err
		}
		var rows []types.DeltaRow
		if res.Kind == refresh.Ready {
			rows = res.Delta.Rows
		} else {
			// A full recompute carries no delta of its own.
			rows = types.DiffRows(before[name], after)
		}
		desc := res.Kind.String()
		if res.Cause != "" {
			desc += ", " + string(res.Cause)
		}
		fmt.Printf("Step %d: refreshed %s (%s, %d changes, %d delta rows)\n", step, name, desc, res.Changes, len(rows))
		if err := sink.WriteBatch(Batch{Step: step, View: name, Columns: cols.Names(), Rows: rows}); err != nil {
			return err
		}
	}
	return nil
}
