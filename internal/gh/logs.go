package gh

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CombinedLogText extracts every text segment from a run-log zip
// archive and joins them with newlines, in listing order.  GitHub
// packs one .txt file per job step; anything else in the archive is
// skipped.
func CombinedLogText(archive []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return "", fmt.Errorf("opening log archive: %w", err)
	}

	var segments []string
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".txt") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("opening log segment %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("reading log segment %s: %w", f.Name, err)
		}
		segments = append(segments, string(data))
	}

	return strings.Join(segments, "\n"), nil
}

// SaveRunLogs persists a run's raw log archive, each text segment, and
// the combined text under dir.  This is a debugging side effect only;
// nothing reads the files back.
func SaveRunLogs(dir string, runID int64, archive []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating log dir %s: %w", dir, err)
	}

	zipPath := filepath.Join(dir, fmt.Sprintf("run_%d.zip", runID))
	if err := os.WriteFile(zipPath, archive, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", zipPath, err)
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("opening log archive: %w", err)
	}

	var segments []string
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".txt") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening log segment %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("reading log segment %s: %w", f.Name, err)
		}
		segments = append(segments, string(data))

		name := fmt.Sprintf("run_%d_%s", runID, strings.ReplaceAll(f.Name, "/", "_"))
		segPath := filepath.Join(dir, name)
		if err := os.WriteFile(segPath, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", segPath, err)
		}
	}

	combinedPath := filepath.Join(dir, fmt.Sprintf("run_%d_combined.txt", runID))
	if err := os.WriteFile(combinedPath, []byte(strings.Join(segments, "\n")), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", combinedPath, err)
	}
	return nil
}
