package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet/file"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"

	"github.com/ariyn/ivm/internal/ivm/types"
)

func deltaRow(a types.Action, id uint64, vals ...any) types.DeltaRow {
	return types.DeltaRow{Action: a, Row: types.Row{ID: types.Identity(id), Values: vals}}
}

func TestParquetSink_WritesOneFilePerView(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewParquetSink(map[string]interface{}{
		"path":           dir,
		"compression":    "uncompressed",
		"row_group_size": 2,
	})
	if err != nil {
		t.Fatalf("NewParquetSink: %v", err)
	}

	totals := []string{"region", "total"}
	batches := []Batch{
		{Step: 0, View: "totals", Columns: totals, Rows: []types.DeltaRow{
			deltaRow(types.Insert, 1, "Seoul", nil),
			deltaRow(types.Insert, 2, "Busan", 2.5),
		}},
		{Step: 1, View: "totals", Columns: totals, Rows: []types.DeltaRow{
			deltaRow(types.Delete, 2, "Busan", 2.5),
			deltaRow(types.Insert, 2, "Busan", 4.0),
			deltaRow(types.Insert, 3, "Jeju", 1.0),
		}},
		{Step: 1, View: "flags", Columns: []string{"id", "ok"}, Rows: []types.DeltaRow{
			deltaRow(types.Insert, 9, int64(7), true),
		}},
	}
	for _, b := range batches {
		if err := sink.WriteBatch(b); err != nil {
			t.Fatalf("WriteBatch(%s): %v", b.View, err)
		}
	}
	if err := sink.WriteBatch(Batch{View: "flags", Columns: []string{"id"}, Rows: []types.DeltaRow{deltaRow(types.Insert, 1, int64(1))}}); err == nil {
		t.Fatal("expected error for changed column count")
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readParquetRows(t, sink.Path("totals"))
	if len(got) != 5 {
		t.Fatalf("expected 5 rows, got %d: %v", len(got), got)
	}
	if got[0]["region"] != "Seoul" || got[0]["total"] != nil {
		t.Errorf("unexpected first row %v", got[0])
	}
	if got[2]["__count"] != int64(-1) || got[2]["__id"] != uint64(2) || got[2]["__step"] != int64(1) {
		t.Errorf("unexpected retraction %v", got[2])
	}
	if got[3]["total"] != 4.0 {
		t.Errorf("unexpected total %v", got[3])
	}

	flags := readParquetRows(t, sink.Path("flags"))
	if len(flags) != 1 || flags[0]["id"] != int64(7) || flags[0]["ok"] != true {
		t.Fatalf("unexpected flags %v", flags)
	}
}

func TestParquetSink_RejectsBadConfig(t *testing.T) {
	if _, err := NewParquetSink(map[string]interface{}{}); err == nil {
		t.Error("expected error for missing path")
	}
	if _, err := NewParquetSink(map[string]interface{}{"path": t.TempDir(), "compression": "lz9"}); err == nil {
		t.Error("expected error for unknown compression")
	}
}

func readParquetRows(t *testing.T, path string) []map[string]any {
	t.Helper()
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		t.Fatalf("OpenParquetFile(%s): %v", path, err)
	}
	defer rdr.Close()

	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{BatchSize: 1024}, memory.NewGoAllocator())
	if err != nil {
		t.Fatalf("NewFileReader(%s): %v", path, err)
	}
	rr, err := fr.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("GetRecordReader(%s): %v", path, err)
	}
	defer rr.Release()

	var out []map[string]any
	for rr.Next() {
		rec := rr.Record()
		for row := 0; row < int(rec.NumRows()); row++ {
			m := map[string]any{}
			for i, f := range rec.Schema().Fields() {
				m[f.Name] = arrowValue(rec.Column(i), row)
			}
			out = append(out, m)
		}
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("RecordReader.Err(%s): %v", path, err)
	}
	return out
}

func arrowValue(arr arrow.Array, row int) any {
	if arr.IsNull(row) {
		return nil
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(row)
	case *array.Int64:
		return a.Value(row)
	case *array.Uint64:
		return a.Value(row)
	case *array.Float64:
		return a.Value(row)
	case *array.Boolean:
		return a.Value(row)
	default:
		return nil
	}
}
