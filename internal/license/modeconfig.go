package license

import (
	"encoding/json"
	"os"

	"licensectl/internal/provisioning"
)

// ModeConfig is the only durable cross-run state the engine owns besides the
// offline artifacts: the active client type.
type ModeConfig struct {
	ClientType provisioning.ClientType `json:"client_type"`
}

// loadModeConfig reads the persisted client type, defaulting to Devices when
// the file is missing or unreadable.
func loadModeConfig(path string) ModeConfig {
	cfg := ModeConfig{ClientType: provisioning.ClientTypeDevices}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	var loaded ModeConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return cfg
	}
	if loaded.ClientType == provisioning.ClientTypeUsers {
		cfg.ClientType = provisioning.ClientTypeUsers
	}
	return cfg
}

// save persists the client type with a whole-file replace.
func (m ModeConfig) save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0600)
}
