package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoadTransferLog reads a CSV transfer log into one map per data row, keyed
// by header. Cells are kept as strings; normalization happens per query.
func LoadTransferLog(path string) ([]map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".csv" {
		return nil, fmt.Errorf("filetype %q not supported", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadTransferLog(f)
}

// ReadTransferLog parses CSV transfer-log content from a reader.
func ReadTransferLog(r io.Reader) ([]map[string]any, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []map[string]any
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// MoveFileToDir moves a rejected transfer log out of the way, avoiding name
// collisions in the destination.
func MoveFileToDir(srcPath string, dstDir string) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", fmt.Errorf("dstDir is empty")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(srcPath)
	dstPath := filepath.Join(dstDir, base)
	if _, err := os.Stat(dstPath); err == nil {
		ext := filepath.Ext(base)
		name := strings.TrimSuffix(base, ext)
		dstPath = filepath.Join(dstDir, fmt.Sprintf("%s-%d%s", name, time.Now().UnixNano(), ext))
	}

	// Try fast rename first.
	if err := os.Rename(srcPath, dstPath); err == nil {
		return dstPath, nil
	}

	// Fallback: copy + remove (handles cross-device moves).
	in, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dstPath)
		return "", copyErr
	}
	if closeErr != nil {
		_ = os.Remove(dstPath)
		return "", closeErr
	}
	if err := os.Remove(srcPath); err != nil {
		return "", err
	}
	return dstPath, nil
}
