package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// CSVSource reads the seed rows of one table. Columns are matched by header
// name; table columns missing from the file are NULL.
type CSVSource struct {
	file      *os.File
	reader    *csv.Reader
	schema    map[string]string
	headers   []string
	positions []int // table column of each header, -1 if unknown
	width     int
}

func NewCSVSource(cfg CSVSourceConfig, columns []string) (*CSVSource, error) {
	file, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", cfg.Path, err)
	}

	reader := csv.NewReader(file)
	headers, err := reader.Read()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}

	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}
	positions := make([]int, len(headers))
	for i, h := range headers {
		pos, ok := index[h]
		if !ok {
			file.Close()
			return nil, fmt.Errorf("csv column %q is not a table column", h)
		}
		positions[i] = pos
	}

	return &CSVSource{
		file:      file,
		reader:    reader,
		schema:    cfg.Schema,
		headers:   headers,
		positions: positions,
		width:     len(columns),
	}, nil
}

// Rows reads the whole file.
func (s *CSVSource) Rows() ([][]any, error) {
	var rows [][]any
	for {
		record, err := s.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading csv record: %w", err)
		}

		row := make([]any, s.width)
		for i, value := range record {
			colName := s.headers[i]
			colType, ok := s.schema[colName]
			if !ok {
				// Default to string if not in schema
				row[s.positions[i]] = value
				continue
			}

			parsedValue, err := parseValue(value, colType)
			if err != nil {
				return nil, fmt.Errorf("failed to parse value '%s' for column '%s' as %s: %w", value, colName, colType, err)
			}
			row[s.positions[i]] = parsedValue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *CSVSource) Close() error {
	return s.file.Close()
}

// parseValue converts a CSV field. An empty typed field is NULL.
func parseValue(value string, colType string) (any, error) {
	if value == "" && colType != "string" {
		return nil, nil
	}
	switch colType {
	case "int":
		return strconv.ParseInt(value, 10, 64)
	case "float":
		return strconv.ParseFloat(value, 64)
	case "bool":
		return strconv.ParseBool(value)
	case "string":
		return value, nil
	default:
		return nil, fmt.Errorf("unsupported type: %s", colType)
	}
}
