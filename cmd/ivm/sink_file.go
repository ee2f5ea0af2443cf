package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/ariyn/ivm/internal/ivm/types"
)

// FileSink writes deltas as JSON lines or CSV. A CSV file holds the deltas of
// views sharing one column list; the header is taken from the first batch.
type FileSink struct {
	path    string
	format  string
	file    *os.File
	encoder *json.Encoder // for json (JSON Lines)
	writer  *csv.Writer   // for csv
	headers []string      // for csv
	mu      sync.Mutex
}

func NewFileSink(config map[string]interface{}) (*FileSink, error) {
	var fileConfig FileSinkConfig
	if err := decodeConfig(config, &fileConfig); err != nil {
		return nil, fmt.Errorf("failed to parse file sink config: %w", err)
	}

	if fileConfig.Path == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if fileConfig.Format == "" {
		fileConfig.Format = "json"
	}
	if fileConfig.Format != "json" && fileConfig.Format != "csv" {
		return nil, fmt.Errorf("unsupported format: %s", fileConfig.Format)
	}

	f, err := os.OpenFile(fileConfig.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", fileConfig.Path, err)
	}

	sink := &FileSink{
		path:   fileConfig.Path,
		format: fileConfig.Format,
		file:   f,
	}
	if sink.format == "json" {
		sink.encoder = json.NewEncoder(f)
	} else {
		sink.writer = csv.NewWriter(f)
	}
	return sink, nil
}

func (s *FileSink) WriteBatch(batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(batch.Rows) == 0 {
		return nil
	}

	if s.format == "json" {
		// JSON Lines: one delta row per line.
		for _, d := range batch.Rows {
			if err := s.encoder.Encode(record(batch, d)); err != nil {
				return err
			}
		}
		return nil
	}

	if s.headers == nil {
		s.headers = append([]string(nil), batch.Columns...)
		headerRow := append([]string{"__step", "__view"}, s.headers...)
		headerRow = append(headerRow, "__id", "__count")
		if err := s.writer.Write(headerRow); err != nil {
			return err
		}
	} else if !slices.Equal(s.headers, batch.Columns) {
		return fmt.Errorf("view %s does not match the csv header of %s", batch.View, s.path)
	}

	for _, d := range batch.Rows {
		row := make([]string, 0, len(s.headers)+4)
		row = append(row, strconv.Itoa(batch.Step), batch.View)
		for _, val := range d.Row.Values {
			row = append(row, types.FormatValue(val))
		}
		row = append(row, d.Row.ID.String(), strconv.FormatInt(d.Action.Weight(), 10))
		if err := s.writer.Write(row); err != nil {
			return err
		}
	}
	s.writer.Flush()
	return s.writer.Error()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
