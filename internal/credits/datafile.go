package credits

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

const dataFileHeader = "// File maintained by Firebot -- DO NOT EDIT\n"

// Base64Encode encodes s as standard padded base64 over its UTF-8 bytes.
func Base64Encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DataFileContent wraps a snapshot in the script consumed by the static
// credits display.
func DataFileContent(snapshotJSON string) string {
	return fmt.Sprintf("%s\nconst data = %q;\n", dataFileHeader, Base64Encode(snapshotJSON))
}

// WriteDataFile writes the data script for snapshotJSON to path.
func WriteDataFile(path, snapshotJSON string) error {
	if path == "" {
		return fmt.Errorf("data file path required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data file directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(DataFileContent(snapshotJSON)), 0o644); err != nil {
		return fmt.Errorf("write data file %s: %w", path, err)
	}
	return nil
}
