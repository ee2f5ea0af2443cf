package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/apache/arrow/go/v15/parquet"
	"github.com/apache/arrow/go/v15/parquet/compress"
	"github.com/apache/arrow/go/v15/parquet/pqarrow"

	"github.com/ariyn/ivm/internal/ivm/types"
)

// ParquetSink writes the deltas of each view to its own parquet file. The
// schema of a view is inferred from its first non-empty batch.
type ParquetSink struct {
	cfg   ParquetSinkConfig
	mem   memory.Allocator
	files map[string]*parquetFile
	mu    sync.Mutex
}

type parquetFile struct {
	columns []string
	schema  *arrow.Schema
	file    *os.File
	writer  *pqarrow.FileWriter

	builders []array.Builder // aligned with schema fields
	bufRows  int
}

// Trailing bookkeeping columns of every view file.
const (
	stepColumn  = "__step"
	idColumn    = "__id"
	countColumn = "__count"
)

func NewParquetSink(config map[string]interface{}) (*ParquetSink, error) {
	var cfg ParquetSinkConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse parquet sink config: %w", err)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("parquet sink path is required")
	}
	if cfg.RowGroupSize <= 0 {
		cfg.RowGroupSize = 65536
	}
	if _, err := parseCompression(cfg.Compression); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("mkdir parquet dir: %w", err)
	}
	return &ParquetSink{
		cfg:   cfg,
		mem:   memory.NewGoAllocator(),
		files: map[string]*parquetFile{},
	}, nil
}

func (s *ParquetSink) WriteBatch(batch Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pf, ok := s.files[batch.View]
	if !ok {
		var err error
		if pf, err = s.openLocked(batch); err != nil {
			return err
		}
		s.files[batch.View] = pf
	}
	if len(batch.Columns) != len(pf.columns) {
		return fmt.Errorf("view %s changed from %d to %d columns", batch.View, len(pf.columns), len(batch.Columns))
	}

	for _, d := range batch.Rows {
		pf.appendRow(s.mem, batch.Step, d)
		if pf.bufRows >= s.cfg.RowGroupSize {
			if err := pf.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ParquetSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, pf := range s.files {
		errs = append(errs, pf.close())
	}
	s.files = map[string]*parquetFile{}
	return errors.Join(errs...)
}

// Path returns the file a view's deltas are written to.
func (s *ParquetSink) Path(view string) string {
	return filepath.Join(s.cfg.Path, view+".parquet")
}

func (s *ParquetSink) openLocked(batch Batch) (*parquetFile, error) {
	fields := make([]arrow.Field, 0, len(batch.Columns)+3)
	for i, name := range batch.Columns {
		fields = append(fields, arrow.Field{Name: name, Type: inferType(batch.Rows, i), Nullable: true})
	}
	fields = append(fields,
		arrow.Field{Name: stepColumn, Type: arrow.PrimitiveTypes.Int64},
		arrow.Field{Name: idColumn, Type: arrow.PrimitiveTypes.Uint64},
		arrow.Field{Name: countColumn, Type: arrow.PrimitiveTypes.Int64},
	)
	schema := arrow.NewSchema(fields, nil)

	outPath := s.Path(batch.View)
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open parquet file %s: %w", outPath, err)
	}
	codec, _ := parseCompression(s.cfg.Compression)
	props := parquet.NewWriterProperties(parquet.WithCompression(codec))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
	w, err := pqarrow.NewFileWriter(schema, f, props, arrowProps)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	return &parquetFile{
		columns: append([]string(nil), batch.Columns...),
		schema:  schema,
		file:    f,
		writer:  w,
	}, nil
}

// inferType picks the arrow type of column i from its first non-NULL value.
// Columns that are NULL throughout, or hold arrays, are stored as strings.
func inferType(rows []types.DeltaRow, i int) arrow.DataType {
	for _, d := range rows {
		switch d.Row.Values[i].(type) {
		case nil:
			continue
		case int64:
			return arrow.PrimitiveTypes.Int64
		case float64:
			return arrow.PrimitiveTypes.Float64
		case bool:
			return arrow.FixedWidthTypes.Boolean
		default:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String
}

func (pf *parquetFile) initBuilders(mem memory.Allocator) {
	if pf.builders != nil {
		return
	}
	pf.builders = make([]array.Builder, len(pf.schema.Fields()))
	for i, f := range pf.schema.Fields() {
		pf.builders[i] = array.NewBuilder(mem, f.Type)
	}
}

func (pf *parquetFile) appendRow(mem memory.Allocator, step int, d types.DeltaRow) {
	pf.initBuilders(mem)

	for i, v := range d.Row.Values {
		if v == nil {
			pf.builders[i].AppendNull()
			continue
		}
		switch b := pf.builders[i].(type) {
		case *array.Int64Builder:
			if iv, ok := types.ToInt64(v); ok {
				b.Append(iv)
			} else {
				b.AppendNull()
			}
		case *array.Float64Builder:
			if fv, ok := types.ToFloat64(v); ok {
				b.Append(fv)
			} else {
				b.AppendNull()
			}
		case *array.BooleanBuilder:
			if bv, ok := types.ToBool(v); ok {
				b.Append(bv)
			} else {
				b.AppendNull()
			}
		case *array.StringBuilder:
			b.Append(types.FormatValue(v))
		}
	}

	n := len(d.Row.Values)
	pf.builders[n].(*array.Int64Builder).Append(int64(step))
	pf.builders[n+1].(*array.Uint64Builder).Append(uint64(d.Row.ID))
	pf.builders[n+2].(*array.Int64Builder).Append(d.Action.Weight())
	pf.bufRows++
}

func (pf *parquetFile) flush() error {
	if pf.bufRows == 0 {
		return nil
	}

	cols := make([]arrow.Array, 0, len(pf.builders))
	for _, b := range pf.builders {
		cols = append(cols, b.NewArray())
	}
	rec := array.NewRecord(pf.schema, cols, int64(pf.bufRows))
	defer rec.Release()
	for _, a := range cols {
		a.Release()
	}

	if err := pf.writer.Write(rec); err != nil {
		return err
	}

	// Reset builders.
	for _, b := range pf.builders {
		b.Release()
	}
	pf.builders = nil
	pf.bufRows = 0
	return nil
}

func (pf *parquetFile) close() error {
	if err := pf.flush(); err != nil {
		_ = pf.writer.Close()
		return err
	}
	// FileWriter.Close closes the underlying file too.
	err := pf.writer.Close()
	if cerr := pf.file.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) && err == nil {
		err = cerr
	}
	return err
}

func parseCompression(s string) (compress.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd":
		return compress.Codecs.Zstd, nil
	case "snappy":
		return compress.Codecs.Snappy, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "uncompressed", "none":
		return compress.Codecs.Uncompressed, nil
	default:
		return compress.Codecs.Uncompressed, fmt.Errorf("unsupported compression: %s", s)
	}
}
