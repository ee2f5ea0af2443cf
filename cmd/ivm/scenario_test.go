package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ariyn/ivm/internal/ivm/types"
)

const scenarioYAML = `
refresh:
  differential_max_change_ratio: 0
  max_concurrent_refreshes: 2
tables:
  - name: orders
    columns: [id, region, amount]
    key: [id]
    seed:
      path: orders.csv
      schema: {id: int, amount: int}
views:
  - name: totals
    spec:
      root: totals
      nodes:
        - {id: o, kind: scan, relation: orders, columns: [id, region, amount], key: [id]}
        - id: totals
          kind: aggregate
          input: o
          group_by: [region]
          aggs:
            - {func: sum, args: [amount], alias: total}
  - name: big
    tree: big.yaml
    change_ratio: 0.5
steps:
  - sql: INSERT INTO orders VALUES (3, 'Seoul', 50)
    refresh: [totals]
  - sql: DELETE FROM orders WHERE id = 2; UPDATE orders SET amount = 500 WHERE id = 3
    refresh: [all]
`

const bigYAML = `
root: big
nodes:
  - {id: o, kind: scan, relation: orders, columns: [id, region, amount], key: [id]}
  - {id: big, kind: filter, input: o, predicate: amount >= 150}
`

// collectSink keeps every batch in memory.
type collectSink struct {
	batches []Batch
}

func (s *collectSink) WriteBatch(b Batch) error {
	s.batches = append(s.batches, b)
	return nil
}

func (s *collectSink) Close() error { return nil }

// fold sums the weights of the rows written for view.
func (s *collectSink) fold(view string) map[string]int64 {
	out := map[string]int64{}
	for _, b := range s.batches {
		if b.View != view {
			continue
		}
		for _, d := range b.Rows {
			out[render(d.Row)] += d.Action.Weight()
		}
	}
	for k, w := range out {
		if w == 0 {
			delete(out, k)
		}
	}
	return out
}

func render(r types.Row) string {
	vals := make([]string, len(r.Values))
	for i, v := range r.Values {
		vals[i] = types.FormatValue(v)
	}
	return strings.Join(vals, " ")
}

func writeScenario(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"scenario.yaml": scenarioYAML,
		"big.yaml":      bigYAML,
		"orders.csv":    "id,region,amount\n1,Seoul,100\n2,Busan,200\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile(%s): %v", name, err)
		}
	}
	return filepath.Join(dir, "scenario.yaml")
}

func TestScenario_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg, err := loadScenario(writeScenario(t))
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	if cfg.Refresh.MaxConcurrentRefreshes != 2 || cfg.Refresh.MaxRecursionDepth != 1000 {
		t.Fatalf("unexpected refresh config %+v", cfg.Refresh)
	}

	sink := &collectSink{}
	reg := prometheus.NewRegistry()
	db, err := setup(ctx, cfg, sink, log.NewNopLogger(), reg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer db.Close()

	if err := runScenario(ctx, db, cfg.Steps, sink); err != nil {
		t.Fatalf("runScenario: %v", err)
	}

	// 2 initial batches, 1 for step 1, 2 for step 2.
	if len(sink.batches) != 5 {
		t.Fatalf("expected 5 batches, got %d", len(sink.batches))
	}
	// 싱크에 쓰인 delta 를 모두 더하면 최종 뷰 내용과 같아야 한다.
	for _, view := range []string{"totals", "big"} {
		_, rows, err := db.Rows(view)
		if err != nil {
			t.Fatalf("Rows(%s): %v", view, err)
		}
		got := sink.fold(view)
		if len(got) != len(rows) {
			t.Fatalf("view %s: folded deltas %v, view rows %v", view, got, rows)
		}
		for _, r := range rows {
			if got[render(r)] != 1 {
				t.Fatalf("view %s: row %s missing from folded deltas %v", view, render(r), got)
			}
		}
	}

	if _, ok := sink.fold("totals")["Seoul 600"]; !ok {
		t.Fatalf("unexpected totals %v", sink.fold("totals"))
	}
	if _, ok := sink.fold("big")["3 Seoul 500"]; !ok {
		t.Fatalf("unexpected big %v", sink.fold("big"))
	}
	n, err := testutil.GatherAndCount(reg, "ivm_refresh_total")
	if err != nil || n == 0 {
		t.Fatalf("expected refresh metrics to be registered, got %d (%v)", n, err)
	}
}

func TestScenario_StepErrorNamesStep(t *testing.T) {
	ctx := context.Background()
	cfg, err := loadScenario(writeScenario(t))
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	sink := &collectSink{}
	db, err := setup(ctx, cfg, sink, log.NewNopLogger(), nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer db.Close()

	err = runScenario(ctx, db, []StepConfig{{SQL: "INSERT INTO orders VALUES (1, 'dup', 1)"}}, sink)
	if err == nil || !strings.Contains(err.Error(), "step 1") {
		t.Fatalf("expected step 1 error, got %v", err)
	}
	err = runScenario(ctx, db, []StepConfig{{Refresh: []string{"nope"}}}, sink)
	if err == nil {
		t.Fatal("expected refresh of unknown view to fail")
	}
}

func TestLoadScenario_Errors(t *testing.T) {
	dir := t.TempDir()
	for i, content := range []string{
		"tables: [{name: t}]",
		"views: [{name: v}]",
		"views: [{name: v, tree: a.yaml, spec: {root: x}}]",
		"refresh: {max_recursion_depth: 0}",
		"tables: [",
	} {
		path := filepath.Join(dir, "s.yaml")
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if _, err := loadScenario(path); err == nil {
			t.Errorf("case %d: expected error for %q", i, content)
		}
	}
	if _, err := loadScenario(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
