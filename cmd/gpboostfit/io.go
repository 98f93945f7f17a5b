package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// loadXYCSV reads a two-column CSV (header "x,y" or similar) into a
// coordinate slice and a response slice. The first row is always treated
// as a header.
func loadXYCSV(path string) (coords [][]float64, y []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 {
		return nil, nil, fmt.Errorf("expected at least 2 columns (x, y) in %s", path)
	}

	row := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row %d: %w", row+2, err)
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}
		x, err := strconv.ParseFloat(record[0], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("parse x at row %d: %w", row+2, err)
		}
		yv, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("parse y at row %d: %w", row+2, err)
		}
		coords = append(coords, []float64{x})
		y = append(y, yv)
		row++
	}
	if row == 0 {
		return nil, nil, fmt.Errorf("no data rows in %s", path)
	}
	return coords, y, nil
}
