package updates

import (
	"time"

	"github.com/netbirdio/ota/client/internal/updates/config"
	"github.com/netbirdio/ota/client/internal/updates/store"
)

// UpdateInfo describes an update to callers
type UpdateInfo struct {
	ID             string    `json:"id"`
	CommitTime     time.Time `json:"commitTime"`
	RuntimeVersion string    `json:"runtimeVersion"`
	Channel        string    `json:"channel,omitempty"`
	Status         string    `json:"status"`
}

func updateInfo(u *store.Update) *UpdateInfo {
	if u == nil {
		return nil
	}
	return &UpdateInfo{
		ID:             u.ID,
		CommitTime:     u.CommitTime,
		RuntimeVersion: u.RuntimeVersion,
		Channel:        u.Channel,
		Status:         u.Status.String(),
	}
}

// Constants is a read-only snapshot of the launch for the consuming runtime
type Constants struct {
	LaunchedUpdate        *UpdateInfo               `json:"launchedUpdate,omitempty"`
	EmbeddedUpdate        *UpdateInfo               `json:"embeddedUpdate,omitempty"`
	IsEmergencyLaunch     bool                      `json:"isEmergencyLaunch"`
	EmergencyLaunchReason string                    `json:"emergencyLaunchReason,omitempty"`
	IsEnabled             bool                      `json:"isEnabled"`
	Channel               string                    `json:"channel,omitempty"`
	IsUsingEmbeddedAssets bool                      `json:"isUsingEmbeddedAssets"`
	RuntimeVersion        string                    `json:"runtimeVersion,omitempty"`
	CheckOnLaunch         config.CheckAutomatically `json:"checkOnLaunch,omitempty"`
	RequestHeaders        map[string]string         `json:"requestHeaders,omitempty"`
	LocalAssetFiles       map[string]string         `json:"localAssetFiles,omitempty"`
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
