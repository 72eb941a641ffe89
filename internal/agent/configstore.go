package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shafraz007/server-status-platform/internal/config"
)

const reportingConfigFile = "config.json"

// SaveReportingConfig writes the server-assigned reporting config to
// the data directory. The config is replaced wholesale; it is only
// ever written as part of a successful registration.
func SaveReportingConfig(dir string, rc config.ReportingConfig) error {
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, reportingConfigFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("unable to write reporting config: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadReportingConfig reads the cached reporting config. The agent
// uses it to resume reporting after a restart without re-registering.
func LoadReportingConfig(dir string) (config.ReportingConfig, error) {
	var rc config.ReportingConfig
	data, err := os.ReadFile(filepath.Join(dir, reportingConfigFile))
	if err != nil {
		return rc, fmt.Errorf("unable to read reporting config: %w", err)
	}
	if err := json.Unmarshal(data, &rc); err != nil {
		return rc, fmt.Errorf("corrupt reporting config: %w", err)
	}
	if rc.AuthToken == "" || rc.ReportURL == "" {
		return rc, fmt.Errorf("incomplete reporting config")
	}
	return rc, nil
}
