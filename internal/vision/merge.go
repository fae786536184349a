package vision

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Merge concatenates the CSV payloads of the given kline ZIP archives into
// a single CSV at outPath, in the order given, dropping per-file header
// rows. It returns the number of data rows written. The result feeds the
// backfill loader, which handles sorting and deduplication.
func Merge(zipPaths []string, outPath string) (int, error) {
	if len(zipPaths) == 0 {
		return 0, fmt.Errorf("no archives to merge")
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", outPath, err)
	}
	defer out.Close()

	w := csv.NewWriter(out)
	rows := 0

	for _, path := range zipPaths {
		n, err := appendArchive(w, path)
		if err != nil {
			return rows, err
		}
		rows += n
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return rows, fmt.Errorf("failed to flush %s: %w", outPath, err)
	}
	if err := out.Close(); err != nil {
		return rows, fmt.Errorf("failed to close %s: %w", outPath, err)
	}
	return rows, nil
}

func appendArchive(w *csv.Writer, path string) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer zr.Close()

	rows := 0
	for _, file := range zr.File {
		rc, err := file.Open()
		if err != nil {
			return rows, fmt.Errorf("%s: failed to open %s: %w", path, file.Name, err)
		}
		n, err := copyRows(w, rc)
		rc.Close()
		if err != nil {
			return rows, fmt.Errorf("%s: %s: %w", path, file.Name, err)
		}
		rows += n
	}
	return rows, nil
}

func copyRows(w *csv.Writer, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	rows := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		if len(record) == 0 {
			continue
		}
		if _, err := strconv.ParseInt(record[0], 10, 64); err != nil {
			// Header row.
			continue
		}
		if err := w.Write(record); err != nil {
			return rows, err
		}
		rows++
	}
}
