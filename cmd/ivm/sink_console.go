package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ariyn/ivm/internal/ivm/types"
)

type ConsoleSink struct {
	format string
	out    io.Writer
}

func NewConsoleSink(config map[string]interface{}) (*ConsoleSink, error) {
	format := "text"
	if f, ok := config["format"].(string); ok {
		format = f
	}
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	return &ConsoleSink{format: format, out: os.Stdout}, nil
}

func (s *ConsoleSink) WriteBatch(batch Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}

	if s.format == "json" {
		encoder := json.NewEncoder(s.out)
		for _, d := range batch.Rows {
			if err := encoder.Encode(record(batch, d)); err != nil {
				return err
			}
		}
		return nil
	}

	// Simple text format
	for _, d := range batch.Rows {
		vals := make([]string, len(d.Row.Values))
		for i, v := range d.Row.Values {
			if v == nil {
				vals[i] = "NULL"
				continue
			}
			vals[i] = types.FormatValue(v)
		}
		fmt.Fprintf(s.out, "[%d] %s %s (%s) id=%s\n", batch.Step, batch.View, d.Action, strings.Join(vals, ", "), d.Row.ID)
	}
	return nil
}

func (s *ConsoleSink) Close() error {
	return nil
}

// record renders a delta row as a JSON object keyed by column name.
func record(batch Batch, d types.DeltaRow) map[string]any {
	m := make(map[string]any, len(batch.Columns)+4)
	for i, c := range batch.Columns {
		m[c] = d.Row.Values[i]
	}
	m["__step"] = batch.Step
	m["__view"] = batch.View
	m["__id"] = uint64(d.Row.ID)
	m["__count"] = d.Action.Weight()
	return m
}
