package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultReportPath places the report next to the rendered description
// so a CI run archives both together.
func DefaultReportPath(renderDir string) string {
	renderDir = strings.TrimSpace(renderDir)
	if renderDir == "" {
		return ""
	}
	return filepath.Join(renderDir, "policy-report.json")
}

func WriteReport(path string, report *Report) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if report == nil {
		return fmt.Errorf("report is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	return os.WriteFile(path, raw, 0o644)
}
