package mqtt

import "github.com/nugget/tether/internal/buildinfo"

// DeviceInfo identifies this client instance on the broker. It is
// published (retained) to the device topic on every broker
// (re-)connect.
type DeviceInfo struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	GitCommit  string `json:"git_commit"`
	UserAgent  string `json:"user_agent"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name. The instance ID is stable across
// renames; the device name selects the topic namespace.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		InstanceID: instanceID,
		Name:       deviceName,
		Version:    buildinfo.Version,
		GitCommit:  buildinfo.GitCommit,
		UserAgent:  buildinfo.UserAgent(),
	}
}
