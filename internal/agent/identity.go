package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const clientIDFile = "client_id"

// DataDir resolves the agent's data directory. An explicit override
// wins; otherwise a per-user directory is created under the OS config
// root. The directory holds the client identity, persisted state, the
// cached reporting config and the snapshot cache database.
func DataDir(override string) (string, error) {
	dir := override
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("unable to get user config directory: %w", err)
		}
		dir = filepath.Join(base, "server-status-agent")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("unable to create data directory: %w", err)
	}
	return dir, nil
}

// GetClientID retrieves or creates the stable client identity. The ID
// is generated once per installation and survives restarts; removing
// the file is the only way to obtain a fresh identity.
func GetClientID(dir string, logger zerolog.Logger) (string, error) {
	fullPath := filepath.Join(dir, clientIDFile)

	data, err := os.ReadFile(fullPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			logger.Debug().Str("path", fullPath).Msg("loaded existing client ID")
			return id, nil
		}
	}

	id := uuid.New().String()
	if err := os.WriteFile(fullPath, []byte(id), 0644); err != nil {
		return "", fmt.Errorf("unable to write client ID file: %w", err)
	}

	logger.Info().Str("path", fullPath).Str("client_id", id).Msg("created new client ID")
	return id, nil
}
